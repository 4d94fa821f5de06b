package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config описывает псевдонимы журналов и именованные наборы тем.
// Наборы разворачиваются селектором против списка тем шины или журнала;
// элементы набора могут быть шаблонами в духе filepath.Match.
type Config struct {
	Destinations map[string]string   `json:"destinations" yaml:"destinations"`
	Sets         map[string][]string `json:"sets" yaml:"sets"`
}

// Load загружает конфигурацию из JSON или YAML.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config: path is empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	cfg := &Config{
		Destinations: map[string]string{},
		Sets:         map[string][]string{},
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: failed to decode JSON: %w", err)
		}
	case ".yaml", ".yml", "":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: failed to decode YAML: %w", err)
		}
	default:
		return nil, fmt.Errorf("config: format %s is not supported yet", ext)
	}

	return cfg, nil
}

// Destination возвращает строку назначения по псевдониму. Если псевдоним
// не найден, значение считается готовой строкой назначения.
func (c *Config) Destination(aliasOrDest string) string {
	if c == nil {
		return aliasOrDest
	}
	if dest, ok := c.Destinations[aliasOrDest]; ok {
		return dest
	}
	return aliasOrDest
}

// Resolve возвращает список тем согласно селектору.
// Селектор: "ALL", имя набора из Sets, имя отдельной темы, шаблон
// filepath.Match или список через запятую.
func (c *Config) Resolve(selector string, known []string) ([]string, error) {
	if selector == "" || strings.EqualFold(selector, "ALL") {
		result := append([]string(nil), known...)
		sort.Strings(result)
		return result, nil
	}

	if c != nil {
		if entries, ok := c.Sets[selector]; ok {
			return c.expandEntries(entries, known)
		}
	}

	if strings.Contains(selector, ",") {
		parts := strings.Split(selector, ",")
		entries := make([]string, 0, len(parts))
		for _, part := range parts {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			entries = append(entries, part)
		}
		return c.expandEntries(entries, known)
	}

	return c.expandEntries([]string{selector}, known)
}

func (c *Config) expandEntries(entries []string, known []string) ([]string, error) {
	seen := make(map[string]struct{})
	var result []string
	add := func(topic string) {
		if _, ok := seen[topic]; ok {
			return
		}
		seen[topic] = struct{}{}
		result = append(result, topic)
	}

	for _, entry := range entries {
		if strings.ContainsAny(entry, "*?[") {
			matched, err := matchPattern(entry, known)
			if err != nil {
				return nil, err
			}
			if len(matched) == 0 {
				return nil, fmt.Errorf("config: pattern %q matched nothing", entry)
			}
			for _, topic := range matched {
				add(topic)
			}
			continue
		}
		add(entry)
	}
	if len(result) == 0 {
		return nil, errors.New("config: result is empty")
	}
	sort.Strings(result)
	return result, nil
}

func matchPattern(pattern string, known []string) ([]string, error) {
	var matched []string
	for _, topic := range known {
		ok, err := filepath.Match(pattern, topic)
		if err != nil {
			return nil, fmt.Errorf("config: invalid pattern %q: %w", pattern, err)
		}
		if ok {
			matched = append(matched, topic)
		}
	}
	return matched, nil
}
