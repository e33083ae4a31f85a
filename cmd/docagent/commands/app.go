package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/haivivi/docagent/pkg/chat"
	"github.com/haivivi/docagent/pkg/config"
	"github.com/haivivi/docagent/pkg/contextopt"
	"github.com/haivivi/docagent/pkg/docstore"
	"github.com/haivivi/docagent/pkg/flow"
	"github.com/haivivi/docagent/pkg/protocol"
	"github.com/haivivi/docagent/pkg/provider"
	"github.com/haivivi/docagent/pkg/sessionstore"
	"github.com/haivivi/docagent/pkg/tools"
)

// newProvider creates the model backend. Tests replace it.
var newProvider = func() provider.Provider { return provider.NewMux() }

// app is the wired runtime shared by serve and chat.
type app struct {
	cfg      *config.Config
	docs     docstore.Store
	tools    *tools.Registry
	runtime  *protocol.Runtime
	sessions sessionstore.Store
	flow     *flow.Service
}

func newApp(cfg *config.Config) (*app, error) {
	logger := slog.Default()

	docs, err := openDocs(cfg.Docs)
	if err != nil {
		return nil, err
	}
	sessions, err := openSessions(cfg.Sessions, logger)
	if err != nil {
		return nil, err
	}

	registry := tools.NewRegistry(docs, tools.WithLogger(logger))
	rt := protocol.New(newProvider(), registry, protocol.Settings{
		Provider:      cfg.Provider,
		Mode:          cfg.Agent.Mode,
		IncludedTools: cfg.Agent.IncludedTools,
		SystemPrompt:  cfg.Agent.SystemPrompt,
		Extra:         provider.Extra(cfg.Agent.Extra),
	}, protocol.WithLogger(logger), protocol.WithObserver(func(d protocol.Decision) {
		if d.StructuredErr != nil {
			logger.Info("docagent: answered without tools", "reason", d.StructuredErr)
		}
	}))

	templates := contextopt.NewTemplateCache(docs, cfg.Docs.TemplatePath)
	optimizer := contextopt.New(rt, contextopt.WithTemplates(templates), contextopt.WithLogger(logger))

	svc := flow.New(rt, optimizer,
		flow.WithLogger(logger),
		flow.WithPersister(sessions),
		flow.WithMaxContextTokens(cfg.Agent.MaxContextTokens),
	)
	return &app{
		cfg:      cfg,
		docs:     docs,
		tools:    registry,
		runtime:  rt,
		sessions: sessions,
		flow:     svc,
	}, nil
}

// openDocs opens the configured document store. It returns nil when no
// documents are configured.
func openDocs(c config.Docs) (docstore.Store, error) {
	switch {
	case c.Dir != "":
		return docstore.NewLocal(c.Dir)
	case c.S3 != nil:
		client := docstore.NewS3Client(docstore.S3Options{
			Region:    c.S3.Region,
			Endpoint:  c.S3.Endpoint,
			PathStyle: c.S3.PathStyle,
		})
		return docstore.NewS3(client, c.S3.Bucket, c.S3.Prefix), nil
	default:
		return nil, nil
	}
}

func openSessions(c config.Sessions, logger *slog.Logger) (sessionstore.Store, error) {
	switch c.Backend {
	case config.BackendBadger:
		return sessionstore.NewBadger(sessionstore.BadgerOptions{Dir: c.Dir, Logger: logger})
	case config.BackendMemory, "":
		return sessionstore.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown session backend %q", c.Backend)
	}
}

// session loads id from the store, or starts a new session when id is
// empty or unknown.
func (a *app) session(ctx context.Context, id string) (*chat.Session, error) {
	if id != "" {
		sess, err := a.sessions.Load(ctx, id)
		switch {
		case err == nil:
			return sess, nil
		case errors.Is(err, sessionstore.ErrStaleSnapshot):
			slog.Warn("docagent: stored session has an old format, starting over", "session", id)
		case !errors.Is(err, sessionstore.ErrNotFound):
			return nil, err
		}
	}
	sess := chat.NewSession(id)
	sess.SetCacheVersion(sessionstore.CacheVersion)
	return sess, nil
}

func (a *app) Close() error {
	return a.sessions.Close()
}
