// Package main - одноразовая утилита для операторов: считает ведомость
// семестра и печатает её в JSON, показывает бюллетень студента или
// исправляет расхождения модулей и дисциплин.
//
// Примеры:
//
//	inspect -semester S1
//	inspect -semester S1 -group TD1 -hide-blocked
//	inspect -semester S1 -student 42 -diagnostics
//	inspect -semester S1 -repair -dry-run
//	inspect -migrate status
//	inspect -migrate rollback
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/alem-hub/gradebook/config"
	"github.com/alem-hub/gradebook/internal/application/command"
	"github.com/alem-hub/gradebook/internal/application/query"
	"github.com/alem-hub/gradebook/internal/infrastructure/persistence/postgres"
	"github.com/alem-hub/gradebook/internal/infrastructure/service"
	"github.com/alem-hub/gradebook/pkg/logger"
)

type options struct {
	semesterID  string
	studentID   string
	group       string
	hideBlocked bool
	diagnostics bool
	repair      bool
	dryRun      bool
	migrate     string
	timeout     time.Duration
	envFile     string
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	fs.StringVar(&o.semesterID, "semester", "", "semester id (required)")
	fs.StringVar(&o.studentID, "student", "", "print results of one student")
	fs.StringVar(&o.group, "group", "", "restrict the table to a group and rank within it")
	fs.BoolVar(&o.hideBlocked, "hide-blocked", false, "drop blocked students from the table")
	fs.BoolVar(&o.diagnostics, "diagnostics", false, "include formula diagnostics in student results")
	fs.BoolVar(&o.repair, "repair", false, "move modules to the UE of their subject")
	fs.BoolVar(&o.dryRun, "dry-run", false, "with -repair: plan only")
	fs.StringVar(&o.migrate, "migrate", "", "status | rollback: inspect or roll back schema migrations")
	fs.DurationVar(&o.timeout, "timeout", 2*time.Minute, "overall timeout")
	fs.StringVar(&o.envFile, "env", ".env", "env file to load")

	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if o.migrate != "" {
		if o.migrate != "status" && o.migrate != "rollback" {
			return o, fmt.Errorf("-migrate: unknown action %q", o.migrate)
		}
		if o.semesterID != "" || o.repair || o.studentID != "" {
			return o, errors.New("-migrate cannot be combined with semester options")
		}
		return o, nil
	}
	if o.semesterID == "" {
		return o, errors.New("-semester is required")
	}
	if o.dryRun && !o.repair {
		return o, errors.New("-dry-run requires -repair")
	}
	if o.repair && o.studentID != "" {
		return o, errors.New("-repair and -student are mutually exclusive")
	}
	return o, nil
}

func main() {
	o, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "inspect: %v\n", err)
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()

	if err := run(ctx, o, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "inspect: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, o options, out io.Writer) error {
	cfg, err := config.Load(o.envFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// stdout принадлежит JSON-выводу, логи идут в stderr.
	log := logger.Setup(logger.Options{
		Output:  os.Stderr,
		Level:   logger.ParseLevel(cfg.App.LogLevel),
		Format:  logger.FormatText,
		Service: "inspect",
	})

	dbConn, err := postgres.NewConnection(ctx, postgresConfig(cfg.Database), log)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer dbConn.Close()

	if o.migrate != "" {
		return runMigrate(ctx, dbConn, o.migrate, out)
	}

	semesters := postgres.NewSemesterRepository(dbConn)
	gradeBooks := service.NewGradeBookService(semesters,
		service.WithLogger(log),
		service.WithRetryIf(postgres.IsTransient),
	)

	var result any
	switch {
	case o.repair:
		h := command.NewRepairConsistencyHandler(semesters, postgres.NewRepairRepository(dbConn), gradeBooks, log)
		res, err := h.Handle(ctx, command.RepairConsistencyCommand{SemesterID: o.semesterID, DryRun: o.dryRun})
		if err != nil {
			return err
		}
		log.Info(res.Message())
		result = res

	case o.studentID != "":
		h := query.NewGetStudentResultsHandler(gradeBooks, log)
		result, err = h.Handle(ctx, query.GetStudentResultsQuery{
			SemesterID:         o.semesterID,
			StudentID:          o.studentID,
			IncludeDiagnostics: o.diagnostics,
		})
		if err != nil {
			return err
		}

	default:
		h := query.NewGetSemesterTableHandler(gradeBooks, log)
		result, err = h.Handle(ctx, query.GetSemesterTableQuery{
			SemesterID:  o.semesterID,
			Group:       o.group,
			HideBlocked: o.hideBlocked,
		})
		if err != nil {
			return err
		}
	}

	return writeJSON(out, result)
}

func runMigrate(ctx context.Context, conn *postgres.Connection, action string, out io.Writer) error {
	migrator := postgres.NewMigrator(conn)
	if action == "rollback" {
		if err := migrator.Rollback(ctx); err != nil {
			return err
		}
	}
	status, err := migrator.Status(ctx)
	if err != nil {
		return err
	}
	return writeJSON(out, status)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func postgresConfig(c config.DatabaseConfig) postgres.Config {
	pc := postgres.DefaultConfig()
	pc.URL = c.URL
	pc.Host = c.Host
	pc.Port = c.Port
	pc.Database = c.Name
	pc.User = c.User
	pc.Password = c.Password
	pc.SSLMode = c.SSLMode
	pc.MaxConns = 2
	pc.MinConns = 0
	pc.ConnectTimeout = c.ConnectTimeout
	return pc
}
