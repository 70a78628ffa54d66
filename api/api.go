// Package api exposes builds, jobs and clusters over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/meikuraledutech/jobdag"
	"github.com/meikuraledutech/jobdag/definition"
	"github.com/meikuraledutech/jobdag/expand"
)

// SchemaManager creates and drops the store's tables.
type SchemaManager interface {
	CreateSchema(ctx context.Context) error
	DropSchema(ctx context.Context) error
}

// Options wires the HTTP surface. Schema is optional; without it the
// /schema routes are not registered.
type Options struct {
	Store    jobdag.JobStore
	Clusters jobdag.ClusterDirectory
	Creator  *expand.Creator
	Schema   SchemaManager
	Logger   *slog.Logger

	// Spawn runs Create Jobs after a build is submitted. It defaults to a
	// new goroutine.
	Spawn func(func())
	// BaseContext is the parent context of Create Jobs runs.
	BaseContext context.Context
}

type submitRequest struct {
	ProjectID      string `json:"project_id"`
	CloneURL       string `json:"clone_url"`
	Commit         string `json:"commit"`
	Branch         string `json:"branch"`
	DefinitionFile string `json:"definition_file"`
}

type stateRequest struct {
	State   jobdag.State `json:"state"`
	Message string       `json:"message"`
}

// reportable maps a state a workload may report to the states it may
// report it from.
var reportable = map[jobdag.State][]jobdag.State{
	jobdag.StateRunning:  {jobdag.StateScheduled},
	jobdag.StateFinished: {jobdag.StateScheduled, jobdag.StateRunning},
	jobdag.StateFailure:  {jobdag.StateScheduled, jobdag.StateRunning},
	jobdag.StateError:    {jobdag.StateScheduled, jobdag.StateRunning},
	jobdag.StateUnstable: {jobdag.StateScheduled, jobdag.StateRunning},
}

func New(opts Options) *fiber.App {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Spawn == nil {
		opts.Spawn = func(f func()) { go f() }
	}
	if opts.BaseContext == nil {
		opts.BaseContext = context.Background()
	}
	store := opts.Store
	logger := opts.Logger

	// Params and bodies are kept by the stores after the handler returns.
	app := fiber.New(fiber.Config{Immutable: true})

	// ── Schema ────────────────────────────────────────────────────────
	if opts.Schema != nil {
		app.Post("/schema", func(c fiber.Ctx) error {
			if err := opts.Schema.CreateSchema(c.Context()); err != nil {
				return c.Status(500).JSON(fiber.Map{"error": err.Error()})
			}
			return c.JSON(fiber.Map{"message": "schema created"})
		})

		app.Delete("/schema", func(c fiber.Ctx) error {
			if err := opts.Schema.DropSchema(c.Context()); err != nil {
				return c.Status(500).JSON(fiber.Map{"error": err.Error()})
			}
			return c.JSON(fiber.Map{"message": "schema dropped"})
		})
	}

	// ── Definitions ───────────────────────────────────────────────────
	app.Post("/definitions/validate", func(c fiber.Ctx) error {
		doc, err := definition.Parse(c.Body())
		if err != nil {
			var verr *jobdag.ValidationError
			if errors.As(err, &verr) {
				return c.Status(422).JSON(fiber.Map{"error": verr.Msg})
			}
			return c.Status(400).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(fiber.Map{"valid": true, "jobs": len(doc.Jobs)})
	})

	// ── Builds ────────────────────────────────────────────────────────
	app.Post("/builds", func(c fiber.Ctx) error {
		var req submitRequest
		if err := c.Bind().JSON(&req); err != nil {
			return c.Status(400).JSON(fiber.Map{"error": "invalid body"})
		}
		if req.ProjectID == "" || req.CloneURL == "" || req.Commit == "" {
			return c.Status(400).JSON(fiber.Map{"error": "project_id, clone_url and commit are required"})
		}

		build, job, err := opts.Creator.Submit(c.Context(), req.ProjectID)
		if err != nil {
			return c.Status(500).JSON(fiber.Map{"error": err.Error()})
		}

		src := expand.Source{
			CloneURL: req.CloneURL,
			Commit:   req.Commit,
			Branch:   req.Branch,
			File:     req.DefinitionFile,
		}
		created := *job
		opts.Spawn(func() {
			if err := opts.Creator.Run(opts.BaseContext, created, src); err != nil {
				logger.Warn("Create Jobs failed", slog.String("build_id", created.BuildID), slog.String("error", err.Error()))
			}
		})
		return c.Status(201).JSON(fiber.Map{"build": build, "job": job})
	})

	app.Get("/builds/:id", func(c fiber.Ctx) error {
		b, err := store.GetBuild(c.Context(), c.Params("id"))
		if err != nil {
			return c.Status(500).JSON(fiber.Map{"error": err.Error()})
		}
		if b == nil {
			return c.Status(404).JSON(fiber.Map{"error": "build not found"})
		}
		return c.JSON(b)
	})

	app.Get("/builds/:id/jobs", func(c fiber.Ctx) error {
		jobs, err := store.ListBuildJobs(c.Context(), c.Params("id"))
		if err != nil {
			return c.Status(500).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(jobs)
	})

	// ── Jobs ──────────────────────────────────────────────────────────
	app.Get("/jobs/:id", func(c fiber.Ctx) error {
		j, err := store.GetJob(c.Context(), c.Params("id"))
		if err != nil {
			return c.Status(500).JSON(fiber.Map{"error": err.Error()})
		}
		if j == nil {
			return c.Status(404).JSON(fiber.Map{"error": "job not found"})
		}
		return c.JSON(j)
	})

	app.Post("/jobs/:id/abort", func(c fiber.Ctx) error {
		err := store.RequestAbort(c.Context(), c.Params("id"))
		if errors.Is(err, jobdag.ErrJobNotFound) {
			return c.Status(404).JSON(fiber.Map{"error": "job not found"})
		}
		if err != nil {
			return c.Status(500).JSON(fiber.Map{"error": err.Error()})
		}
		return c.Status(202).JSON(fiber.Map{"message": "abort requested"})
	})

	app.Post("/jobs/:id/state", func(c fiber.Ctx) error {
		var req stateRequest
		if err := c.Bind().JSON(&req); err != nil {
			return c.Status(400).JSON(fiber.Map{"error": "invalid body"})
		}
		from, ok := reportable[req.State]
		if !ok {
			return c.Status(400).JSON(fiber.Map{"error": "state cannot be reported"})
		}

		t := jobdag.Transition{Message: req.Message}
		if req.State == jobdag.StateRunning {
			t.StartDate = time.Now()
		} else {
			t.EndDate = time.Now()
		}
		changed, err := store.CompareAndSetState(c.Context(), c.Params("id"), from, req.State, t)
		if errors.Is(err, jobdag.ErrJobNotFound) {
			return c.Status(404).JSON(fiber.Map{"error": "job not found"})
		}
		if err != nil {
			return c.Status(500).JSON(fiber.Map{"error": err.Error()})
		}
		if !changed {
			return c.Status(409).JSON(fiber.Map{"error": "job is not in a state that allows this transition"})
		}
		return c.SendStatus(204)
	})

	// ── Clusters ──────────────────────────────────────────────────────
	app.Get("/clusters", func(c fiber.Ctx) error {
		clusters, err := opts.Clusters.ListClusters(c.Context())
		if err != nil {
			return c.Status(500).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(clusters)
	})

	app.Put("/clusters/:name", func(c fiber.Ctx) error {
		var cl jobdag.Cluster
		if err := c.Bind().JSON(&cl); err != nil {
			return c.Status(400).JSON(fiber.Map{"error": "invalid body"})
		}
		cl.Name = c.Params("name")
		if cl.CPUCapacity < 0 || cl.MemoryCapacity < 0 {
			return c.Status(400).JSON(fiber.Map{"error": "capacity must not be negative"})
		}
		if err := opts.Clusters.UpsertCluster(c.Context(), cl); err != nil {
			return c.Status(500).JSON(fiber.Map{"error": err.Error()})
		}
		return c.SendStatus(204)
	})

	return app
}
