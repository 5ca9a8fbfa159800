package controller

import (
	"fmt"
	"os"
	"slices"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	apperrors "github.com/kandev/agentplane/internal/common/errors"
)

// templateFile is the YAML layout read by LoadTemplatesFile.
type templateFile struct {
	Templates []AgentTemplate `yaml:"templates"`
}

// RegisterAgentTemplate stores or replaces a template. It spawns nothing.
func (c *Controller) RegisterAgentTemplate(templateID string, tpl AgentTemplate) error {
	if templateID == "" {
		return apperrors.ValidationError("id", "template id is required")
	}
	if len(tpl.Capabilities) == 0 {
		return apperrors.ValidationError("capabilities", "template "+templateID+" has no capabilities")
	}
	tpl.ID = templateID
	if tpl.Name == "" {
		tpl.Name = templateID
	}
	tpl.Capabilities = slices.Clone(tpl.Capabilities)

	c.mu.Lock()
	if _, exists := c.templates[templateID]; !exists {
		c.templateOrder = append(c.templateOrder, templateID)
	}
	c.templates[templateID] = tpl
	c.mu.Unlock()

	c.logger.Info("registered agent template",
		zap.String("template_id", templateID),
		zap.Strings("capabilities", tpl.Capabilities))
	return nil
}

// GetTemplate returns the template registered under templateID.
func (c *Controller) GetTemplate(templateID string) (AgentTemplate, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tpl, ok := c.templates[templateID]
	if !ok {
		return AgentTemplate{}, apperrors.UnknownTemplate(templateID)
	}
	tpl.Capabilities = slices.Clone(tpl.Capabilities)
	return tpl, nil
}

// ListTemplates returns templates in registration order.
func (c *Controller) ListTemplates() []AgentTemplate {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]AgentTemplate, 0, len(c.templateOrder))
	for _, id := range c.templateOrder {
		out = append(out, c.templates[id])
	}
	return out
}

// LoadTemplatesFile registers every template in a YAML file of the form
// "templates: [...]" and returns how many were loaded.
func (c *Controller) LoadTemplatesFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read templates file: %w", err)
	}
	var file templateFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return 0, fmt.Errorf("parse templates file %s: %w", path, err)
	}
	for i, tpl := range file.Templates {
		if err := c.RegisterAgentTemplate(tpl.ID, tpl); err != nil {
			return i, fmt.Errorf("template %d in %s: %w", i, path, err)
		}
	}
	return len(file.Templates), nil
}
