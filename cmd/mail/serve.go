package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mail-swarm/mail/pkg/config"
	"github.com/mail-swarm/mail/pkg/gateway"
	"github.com/mail-swarm/mail/pkg/interswarm"
	"github.com/mail-swarm/mail/pkg/logger"
	"github.com/mail-swarm/mail/pkg/mail"
	"github.com/mail-swarm/mail/pkg/providers"
	"github.com/mail-swarm/mail/pkg/swarm"
)

const shutdownGrace = 10 * time.Second

// agentDecl is one agent entry in the swarm declaration file. Prompt
// and model bind the agent to the configured LLM endpoint; the rest
// mirrors the template fields.
type agentDecl struct {
	Name             string   `json:"name"`
	SystemPrompt     string   `json:"system_prompt"`
	Model            string   `json:"model,omitempty"`
	CommTargets      []string `json:"comm_targets"`
	CanCompleteTasks bool     `json:"can_complete_tasks,omitempty"`
	EnableEntrypoint bool     `json:"enable_entrypoint,omitempty"`
	EnableInterswarm bool     `json:"enable_interswarm,omitempty"`
}

type swarmDecl struct {
	Name       string      `json:"name,omitempty"`
	Entrypoint string      `json:"entrypoint,omitempty"`
	UserID     string      `json:"user_id,omitempty"`
	Agents     []agentDecl `json:"agents"`
}

func loadSwarmDecl(path string) (*swarmDecl, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var decl swarmDecl
	if err := json.Unmarshal(data, &decl); err != nil {
		return nil, fmt.Errorf("parse swarm file %s: %w", path, err)
	}
	if len(decl.Agents) == 0 {
		return nil, fmt.Errorf("swarm file %s declares no agents", path)
	}
	return &decl, nil
}

func newServeCommand() *cobra.Command {
	var configPath string
	var swarmPath string
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the swarm and its HTTP gateway",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return serve(configPath, swarmPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "config.json", "Path to the config file")
	cmd.Flags().StringVarP(&swarmPath, "swarm", "s", "swarm.json", "Path to the swarm declaration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	return cmd
}

func serve(configPath, swarmPath string, debug bool) error {
	if debug {
		logger.SetLevel(logger.DEBUG)
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	decl, err := loadSwarmDecl(swarmPath)
	if err != nil {
		return err
	}

	tmpl, err := buildTemplate(cfg, decl)
	if err != nil {
		return err
	}

	var opts swarm.Options
	if tmpl.EnableInterswarm {
		opts.Registry = interswarm.NewRegistry(interswarm.RegistryConfig{
			LocalSwarmName:   tmpl.Name,
			LocalBaseURL:     cfg.Swarm.BaseURL,
			File:             cfg.Registry.File,
			HealthInterval:   cfg.Registry.HealthInterval,
			FailureThreshold: cfg.Registry.FailureThreshold,
		})
		opts.RouterTimeout = cfg.Router.Timeout
	}

	s, err := swarm.New(*tmpl, opts)
	if err != nil {
		return err
	}
	if err := s.Start(); err != nil {
		return err
	}

	server := gateway.NewServer(s, cfg.ListenAddr(), cfg.Gateway.AuthToken)
	if err := server.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.InfoC("serve", "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.ErrorCF("serve", "gateway stop failed", map[string]any{"error": err.Error()})
	}
	s.Shutdown(shutdownGrace)
	return nil
}

// buildTemplate binds each declared agent to an LLM-backed function and
// assembles the runtime template. Swarm name and entrypoint from the
// config win over the declaration file.
func buildTemplate(cfg *config.Config, decl *swarmDecl) (*swarm.Template, error) {
	name := decl.Name
	if cfg.Swarm.Name != "" {
		name = cfg.Swarm.Name
	}
	entrypoint := decl.Entrypoint
	if cfg.Swarm.Entrypoint != "" {
		entrypoint = cfg.Swarm.Entrypoint
	}

	interswarmEnabled := false
	agents := make([]*mail.Agent, 0, len(decl.Agents))
	for _, d := range decl.Agents {
		model := d.Model
		if model == "" {
			model = cfg.LLM.Model
		}
		agent := &mail.Agent{
			Name:             d.Name,
			CommTargets:      d.CommTargets,
			CanCompleteTasks: d.CanCompleteTasks,
			EnableEntrypoint: d.EnableEntrypoint,
			EnableInterswarm: d.EnableInterswarm,
		}
		provider := providers.NewProvider(providers.Config{
			APIKey:       cfg.LLM.APIKey,
			BaseURL:      cfg.LLM.BaseURL,
			Model:        model,
			SystemPrompt: d.SystemPrompt,
		})
		agent.Function = provider.AgentFunction(mail.ToolsForAgent(agent))
		agents = append(agents, agent)
		if d.EnableInterswarm {
			interswarmEnabled = true
		}
	}

	return &swarm.Template{
		Name:             name,
		UserID:           decl.UserID,
		Entrypoint:       entrypoint,
		Agents:           agents,
		EnableInterswarm: interswarmEnabled,
	}, nil
}
