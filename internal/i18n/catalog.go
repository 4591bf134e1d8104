// Package i18n renders localized notification titles and messages from YAML
// template bundles.
package i18n

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"text/template"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

//go:embed locales/*.yaml
var bundles embed.FS

// DefaultLocale is used when no locale is configured.
const DefaultLocale = "en"

// ErrNoTemplate is returned when neither the requested nor the fallback locale
// has a template for a notification type.
var ErrNoTemplate = errors.New("no template for notification type")

// entry is one bundle item as written in YAML.
type entry struct {
	Title   string `yaml:"title"`
	Message string `yaml:"message"`
}

type compiled struct {
	title   *template.Template
	message *template.Template
}

// Catalog holds the parsed templates of every loaded locale. It is read-only
// after construction and safe for concurrent use.
type Catalog struct {
	defaultLocale string
	locales       map[string]map[string]compiled
	logger        *zap.Logger
}

// NewDefault builds a catalog from the bundles compiled into the binary.
func NewDefault(defaultLocale string, logger *zap.Logger) (*Catalog, error) {
	sub, err := fs.Sub(bundles, "locales")
	if err != nil {
		return nil, fmt.Errorf("open embedded locales: %w", err)
	}
	return Load(sub, defaultLocale, logger)
}

// Load reads every <locale>.yaml file at the root of fsys.
func Load(fsys fs.FS, defaultLocale string, logger *zap.Logger) (*Catalog, error) {
	if defaultLocale == "" {
		defaultLocale = DefaultLocale
	}

	files, err := fs.Glob(fsys, "*.yaml")
	if err != nil {
		return nil, fmt.Errorf("list locale bundles: %w", err)
	}

	c := &Catalog{
		defaultLocale: normalize(defaultLocale),
		locales:       make(map[string]map[string]compiled, len(files)),
		logger:        logger,
	}

	for _, name := range files {
		raw, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}

		var entries map[string]entry
		if err := yaml.Unmarshal(raw, &entries); err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}

		locale := normalize(strings.TrimSuffix(path.Base(name), ".yaml"))
		set := make(map[string]compiled, len(entries))
		for typ, e := range entries {
			if e.Title == "" || e.Message == "" {
				return nil, fmt.Errorf("%s: %s needs both title and message", name, typ)
			}
			title, err := template.New(locale + "/" + typ + "/title").Parse(e.Title)
			if err != nil {
				return nil, fmt.Errorf("%s: %s title: %w", name, typ, err)
			}
			message, err := template.New(locale + "/" + typ + "/message").Parse(e.Message)
			if err != nil {
				return nil, fmt.Errorf("%s: %s message: %w", name, typ, err)
			}
			set[typ] = compiled{title: title, message: message}
		}
		c.locales[locale] = set
	}

	if _, ok := c.locales[c.defaultLocale]; !ok {
		return nil, fmt.Errorf("default locale %q has no bundle", c.defaultLocale)
	}

	logger.Info("i18n catalog loaded",
		zap.Strings("locales", c.Locales()),
		zap.String("default", c.defaultLocale),
	)

	return c, nil
}

// Locales returns the loaded locale codes, sorted.
func (c *Catalog) Locales() []string {
	out := make([]string, 0, len(c.locales))
	for l := range c.locales {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// Resolve maps a requested locale to a loaded one: exact match, then the base
// language ("es-MX" -> "es"), then the default locale.
func (c *Catalog) Resolve(locale string) string {
	locale = normalize(locale)
	if _, ok := c.locales[locale]; ok {
		return locale
	}
	if base, _, found := strings.Cut(locale, "-"); found {
		if _, ok := c.locales[base]; ok {
			return base
		}
	}
	return c.defaultLocale
}

// Render executes the title and message templates for typ in the resolved
// locale against data. Missing types fall back to the default locale.
func (c *Catalog) Render(locale, typ string, data map[string]any) (title, message string, err error) {
	resolved := c.Resolve(locale)

	tpl, ok := c.locales[resolved][typ]
	if !ok && resolved != c.defaultLocale {
		tpl, ok = c.locales[c.defaultLocale][typ]
	}
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrNoTemplate, typ)
	}

	if data == nil {
		data = map[string]any{}
	}

	if title, err = execute(tpl.title, data); err != nil {
		return "", "", err
	}
	if message, err = execute(tpl.message, data); err != nil {
		return "", "", err
	}
	return title, message, nil
}

func execute(t *template.Template, data map[string]any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s: %w", t.Name(), err)
	}
	return strings.TrimSpace(buf.String()), nil
}

func normalize(locale string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(locale), "_", "-"))
}
