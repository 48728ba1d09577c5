package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/flowsmith/taskflow/backend"
	"github.com/flowsmith/taskflow/backend/memory"
	"github.com/flowsmith/taskflow/backend/mysql"
	"github.com/flowsmith/taskflow/backend/sqlite"
	"github.com/flowsmith/taskflow/core"
	"github.com/flowsmith/taskflow/engine"
)

var b = flag.String("store", "memory", "Store to use. Supported stores are:\n- memory\n- sqlite\n- mysql\n")
var timeout = flag.Duration("timeout", time.Second*30, "Timeout for the benchmark run")
var tasks = flag.Int("tasks", 1000, "Number of tasks to run through the engine")
var users = flag.Int("users", 20, "Number of users to seed as assignment candidates")
var concurrency = flag.Int("concurrency", 8, "Number of concurrent event producers")
var format = flag.String("format", "text", "Output format. Supported formats are:\n- text\n- csv\n")

func main() {
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	mm := newMemMetrics()
	s := getStore(*b)

	e, err := engine.New(s,
		engine.WithLogger(slog.New(slog.DiscardHandler)),
		engine.WithMetrics(mm),
		engine.WithWorkloadCache(1024, time.Second))
	if err != nil {
		panic(err)
	}

	seedUsers(ctx, s, *users)

	start := time.Now()

	work := make(chan int)

	wg := sync.WaitGroup{}
	for i := 0; i < *concurrency; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for n := range work {
				runTask(ctx, s, e, n)
			}
		}()
	}

	for n := 0; n < *tasks; n++ {
		work <- n
	}
	close(work)

	wg.Wait()

	elapsed := time.Since(start)

	switch *format {
	case "text":
		log.Println("Ran", *tasks, "tasks in", elapsed.Seconds(), "seconds,",
			float64(*tasks)/elapsed.Seconds(), "tasks/second")
		mm.Print()

	case "csv":
		fmt.Printf("%s,%v,%d,%d,%d\n", *b, elapsed.Seconds(), *tasks, *users, *concurrency)
	}
}

// runTask pushes one task through a created -> assigned -> done cycle. The
// high priority share triggers auto assignment, the rest only pays for rule
// evaluation.
func runTask(ctx context.Context, s taskStore, e *engine.Engine, n int) {
	priority := core.PriorityMedium
	if n%4 == 0 {
		priority = core.PriorityHigh
	}

	due := time.Now().Add(8 * time.Hour)

	task := &core.Task{
		ID:        fmt.Sprintf("task-%d", n),
		Title:     fmt.Sprintf("Task %d", n),
		Status:    core.StatusTodo,
		Priority:  priority,
		CreatedAt: time.Now().UTC(),
		DueDate:   &due,
		CreatorID: "bench",
	}

	if err := s.SaveTask(ctx, task); err != nil {
		panic(err)
	}

	if _, err := e.ProcessEvent(ctx, task, core.TriggerTaskCreated, nil, nil, nil); err != nil {
		panic(err)
	}

	task, err := s.GetTask(ctx, task.ID)
	if err != nil {
		panic(err)
	}

	updated, err := s.UpdateTask(ctx, task.ID, func(t *core.Task) error {
		t.Status = core.StatusDone
		return nil
	})
	if err != nil {
		panic(err)
	}

	oldValues := map[string]any{"status": string(core.StatusTodo)}
	if _, err := e.ProcessEvent(ctx, updated, core.TriggerStatusChanged, nil, oldValues, nil); err != nil {
		panic(err)
	}
}

type taskStore interface {
	backend.TaskStore
	SaveUser(ctx context.Context, user *core.User) error
}

func seedUsers(ctx context.Context, s taskStore, n int) {
	for i := 0; i < n; i++ {
		u := &core.User{
			ID:       fmt.Sprintf("user-%d", i),
			Name:     fmt.Sprintf("User %d", i),
			IsActive: true,
			Role:     "developer",
		}

		if err := s.SaveUser(ctx, u); err != nil {
			panic(err)
		}
	}
}

func getStore(b string) taskStore {
	switch b {
	case "memory":
		return memory.NewStore()

	case "sqlite":
		os.Remove("bench.sqlite")

		return sqlite.NewSqliteStore("bench.sqlite")

	case "mysql":
		db, err := sql.Open("mysql", fmt.Sprintf("%s:%s@/?parseTime=true&interpolateParams=true", "root", "root"))
		if err != nil {
			panic(err)
		}

		if _, err := db.Exec("DROP DATABASE IF EXISTS bench"); err != nil {
			panic(fmt.Errorf("dropping database: %w", err))
		}

		if _, err := db.Exec("CREATE DATABASE bench"); err != nil {
			panic(fmt.Errorf("creating database: %w", err))
		}

		if err := db.Close(); err != nil {
			panic(err)
		}

		return mysql.NewMysqlStore("localhost", 3306, "root", "root", "bench")

	default:
		panic("unknown store " + b)
	}
}
