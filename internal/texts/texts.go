// Package texts предоставляет шаблоны исходящих сообщений из JSON-файла.
// Для ядра результат — непрозрачная готовая строка.
package texts

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Provider хранит загруженные шаблоны сообщений.
type Provider struct {
	templates map[string]string
}

// Load читает файл шаблонов.
func Load(path string) (*Provider, error) {
	const op = "texts.Load"

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	var templates map[string]string
	if err := json.Unmarshal(data, &templates); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &Provider{templates: templates}, nil
}

// FromMap строит провайдер из готового набора шаблонов.
func FromMap(templates map[string]string) *Provider {
	return &Provider{templates: templates}
}

// Get возвращает шаблон по ключу, пустую строку — если ключа нет.
func (p *Provider) Get(key string) string {
	return p.templates[key]
}

// Render подставляет значения в плейсхолдеры вида {name}.
func (p *Provider) Render(key string, values map[string]string) string {
	text := p.templates[key]
	for name, value := range values {
		text = strings.ReplaceAll(text, "{"+name+"}", value)
	}
	return text
}
