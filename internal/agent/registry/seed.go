package registry

import (
	"context"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/agentmesh/agentmesh/internal/a2a"
	"github.com/agentmesh/agentmesh/internal/agent/models"
)

// seedFile is the YAML shape of an agents seed file:
//
//	agents:
//	  - name: researcher
//	    description: Web research agent
//	    urls:
//	      dev: http://localhost:9001
//	      production: https://researcher.internal
type seedFile struct {
	Agents []seedAgent `yaml:"agents"`
}

type seedAgent struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	URLs        struct {
		Dev        string `yaml:"dev"`
		Production string `yaml:"production"`
	} `yaml:"urls"`
	Streaming    bool     `yaml:"streaming"`
	ToolApproval string   `yaml:"tool_approval"`
	InputModes   []string `yaml:"input_modes"`
	OutputModes  []string `yaml:"output_modes"`
}

// LoadSeedFile upserts agents from a YAML seed file. Agents already
// registered keep their stored settings only if the seed entry matches by
// name; the seed wins on conflict. A missing file is not an error.
func (r *Registry) LoadSeedFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return a2a.Wrap(a2a.KindStore, err, "reading agent seed file %s", path)
	}

	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return a2a.Wrap(a2a.KindValidation, err, "parsing agent seed file %s", path)
	}

	for _, entry := range seed.Agents {
		d := models.AgentDescriptor{
			Name:        entry.Name,
			Description: entry.Description,
			URLs: models.AgentURLs{
				Dev:        entry.URLs.Dev,
				Production: entry.URLs.Production,
			},
			Streaming:    entry.Streaming,
			ToolApproval: models.ToolApprovalPolicy(entry.ToolApproval),
			InputModes:   entry.InputModes,
			OutputModes:  entry.OutputModes,
		}
		if _, err := r.Upsert(ctx, d); err != nil {
			return a2a.Wrap(a2a.KindValidation, err, "seeding agent %q", entry.Name)
		}
	}
	r.logger.Info("agent seed file applied",
		zap.String("path", path),
		zap.Int("agents", len(seed.Agents)))
	return nil
}
