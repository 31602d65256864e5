package config

import (
	"fmt"
	"os"

	"gopkg.in/ini.v1"
)

// SectionTemplate is a config-section skeleton declared by an installed
// component, used by `actiond config --create/--update`.
type SectionTemplate struct {
	Section string
	Keys    []TemplateKey
}

// TemplateKey is one default entry in a section template.
type TemplateKey struct {
	Name    string
	Value   string
	Comment string
}

// mainTemplate is the [resilient] skeleton written into a fresh config file.
var mainTemplate = SectionTemplate{
	Section: MainSection,
	Keys: []TemplateKey{
		{Name: "host", Value: "", Comment: "platform REST host"},
		{Name: "port", Value: "443"},
		{Name: "api_key_id", Value: ""},
		{Name: "api_key_secret", Value: ""},
		{Name: "org", Value: ""},
		{Name: "cafile", Value: "", Comment: "CA bundle path, or false to disable verification"},
		{Name: "stomp_port", Value: "65001"},
		{Name: "componentsdir", Value: ""},
		{Name: "log_level", Value: DefaultLogLevel},
		{Name: "log_dir", Value: "logs"},
	},
}

// Generate writes a new config file with the main skeleton and one section
// per template. Fails if the file already exists.
func Generate(path string, templates []SectionTemplate) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists, use --update to merge", path)
	}
	file := ini.Empty()
	if err := applyTemplates(file, append([]SectionTemplate{mainTemplate}, templates...)); err != nil {
		return err
	}
	return file.SaveTo(path)
}

// Update merges missing sections and keys from the templates into an
// existing config file, preserving everything the user already set.
func Update(path string, templates []SectionTemplate) error {
	file, err := ini.Load(path)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	if err := applyTemplates(file, templates); err != nil {
		return err
	}
	return file.SaveTo(path)
}

func applyTemplates(file *ini.File, templates []SectionTemplate) error {
	for _, tpl := range templates {
		section, err := file.NewSection(tpl.Section)
		if err != nil {
			return fmt.Errorf("section [%s]: %w", tpl.Section, err)
		}
		for _, key := range tpl.Keys {
			if section.HasKey(key.Name) {
				continue
			}
			k, err := section.NewKey(key.Name, key.Value)
			if err != nil {
				return fmt.Errorf("section [%s] key %s: %w", tpl.Section, key.Name, err)
			}
			if key.Comment != "" {
				k.Comment = key.Comment
			}
		}
	}
	return nil
}
