package voices

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Catalog maps voice names to the model files a worker needs to speak them.
type Catalog struct {
	// BaseURL is prepended to relative model, config and asset paths.
	BaseURL string   `yaml:"base_url"`
	Assets  []string `yaml:"assets,omitempty"`
	Voices  []Voice  `yaml:"voices"`
}

type Voice struct {
	Name     string         `yaml:"name"`
	Language string         `yaml:"language,omitempty"`
	Quality  string         `yaml:"quality,omitempty"`
	Model    string         `yaml:"model"`
	Config   string         `yaml:"config"`
	Speakers map[string]int `yaml:"speakers,omitempty"`
	Assets   []string       `yaml:"assets,omitempty"`
}

// Resolved is a voice with absolute URLs, ready for synthesis.
type Resolved struct {
	Name           string
	ModelURL       string
	ModelConfigURL string
	AssetURLs      []string
	Speakers       map[string]int
}

// SpeakerID looks up a named speaker. An empty name selects the model's
// default speaker and yields nil.
func (r Resolved) SpeakerID(name string) (*int, error) {
	if name == "" {
		return nil, nil
	}
	id, ok := r.Speakers[name]
	if !ok {
		return nil, fmt.Errorf("voice %q has no speaker %q", r.Name, name)
	}
	return &id, nil
}

// Load reads a catalog from disk.
func Load(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, err
	}
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Catalog{}, fmt.Errorf("parse voice catalog: %w", err)
	}
	return c, nil
}

// Validate ensures every voice can be resolved.
func Validate(c Catalog) error {
	if len(c.Voices) == 0 {
		return fmt.Errorf("voices must include at least one entry")
	}
	if c.BaseURL != "" {
		if _, err := url.Parse(c.BaseURL); err != nil {
			return fmt.Errorf("base_url: %w", err)
		}
	}
	seen := make(map[string]bool, len(c.Voices))
	for i, v := range c.Voices {
		if v.Name == "" {
			return fmt.Errorf("voices[%d].name is required", i)
		}
		if seen[v.Name] {
			return fmt.Errorf("voice %q declared twice", v.Name)
		}
		seen[v.Name] = true
		if v.Model == "" {
			return fmt.Errorf("voice %q: model is required", v.Name)
		}
		if v.Config == "" {
			return fmt.Errorf("voice %q: config is required", v.Name)
		}
		for speaker, id := range v.Speakers {
			if id < 0 {
				return fmt.Errorf("voice %q: speaker %q has negative id", v.Name, speaker)
			}
		}
	}
	return nil
}

func (c Catalog) Names() []string {
	names := make([]string, 0, len(c.Voices))
	for _, v := range c.Voices {
		names = append(names, v.Name)
	}
	sort.Strings(names)
	return names
}

// Resolve returns the voice called name with every path made absolute.
// Catalog-wide assets come before the voice's own.
func (c Catalog) Resolve(name string) (Resolved, error) {
	for _, v := range c.Voices {
		if v.Name != name {
			continue
		}
		model, err := c.absolute(v.Model)
		if err != nil {
			return Resolved{}, err
		}
		cfg, err := c.absolute(v.Config)
		if err != nil {
			return Resolved{}, err
		}
		var assets []string
		for _, a := range append(append([]string{}, c.Assets...), v.Assets...) {
			abs, err := c.absolute(a)
			if err != nil {
				return Resolved{}, err
			}
			assets = append(assets, abs)
		}
		return Resolved{
			Name:           v.Name,
			ModelURL:       model,
			ModelConfigURL: cfg,
			AssetURLs:      assets,
			Speakers:       v.Speakers,
		}, nil
	}
	return Resolved{}, fmt.Errorf("voice %q not found", name)
}

func (c Catalog) absolute(ref string) (string, error) {
	if c.BaseURL == "" || strings.Contains(ref, "://") {
		return ref, nil
	}
	base, err := url.Parse(strings.TrimSuffix(c.BaseURL, "/") + "/")
	if err != nil {
		return "", fmt.Errorf("base_url: %w", err)
	}
	rel, err := url.Parse(strings.TrimPrefix(ref, "/"))
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", ref, err)
	}
	return base.ResolveReference(rel).String(), nil
}
