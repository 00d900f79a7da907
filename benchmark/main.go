// Package main provides a benchmark tool to measure task creation and
// drain throughput against a running Redis and worker.
//
// Usage:
//
//	go run benchmark/main.go -tasks 100000
package main

import (
	"context"
	"flag"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilefinance/taskengine/pkg/store"
	"github.com/agilefinance/taskengine/pkg/tasks"
)

func main() {
	numTasks := flag.Int("tasks", 100000, "Number of tasks to create")
	numWorkers := flag.Int("workers", 10, "Number of concurrent enqueuers")
	redisAddr := flag.String("redis", "localhost:6379", "Redis address")
	flag.Parse()

	st := store.NewStore(*redisAddr)
	defer st.Close()
	ctx := context.Background()

	fmt.Printf("Task Engine Benchmark\n")
	fmt.Printf("=====================\n")
	fmt.Printf("Tasks to create: %d\n", *numTasks)
	fmt.Printf("Concurrent enqueuers: %d\n\n", *numWorkers)

	// Enqueue phase
	fmt.Printf("Starting enqueue phase...\n")
	startEnqueue := time.Now()

	var wg sync.WaitGroup
	var created atomic.Int64
	tasksPerWorker := *numTasks / *numWorkers

	for i := 0; i < *numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for j := 0; j < tasksPerWorker; j++ {
				payload := map[string]any{
					"to":      fmt.Sprintf("bench-%d-%d@example.com", workerID, j),
					"subject": "Benchmark",
					"content": "throughput probe",
				}
				if _, err := st.CreateTask(ctx, tasks.TypeEmail, payload, store.CreateTaskOptions{}); err != nil {
					fmt.Printf("Error creating task: %v\n", err)
					return
				}
				created.Add(1)
			}
		}(i)
	}

	wg.Wait()
	enqueueTime := time.Since(startEnqueue)

	fmt.Printf("✓ Created %d tasks in %s\n", created.Load(), enqueueTime)
	fmt.Printf("  Throughput: %.2f tasks/sec\n\n", float64(created.Load())/enqueueTime.Seconds())

	// Wait for a running worker to drain the backlog
	fmt.Printf("Waiting for all tasks to be processed...\n")
	startProcess := time.Now()

	for {
		pending, err := st.PendingCount(ctx)
		if err != nil {
			fmt.Printf("Error counting pending: %v\n", err)
			return
		}
		processing, err := st.CountByStatus(ctx, tasks.StatusProcessing)
		if err != nil {
			fmt.Printf("Error counting processing: %v\n", err)
			return
		}
		remaining := pending + processing
		if remaining == 0 {
			break
		}

		// Print progress every 2 seconds
		time.Sleep(2 * time.Second)
		fmt.Printf("  Remaining: %d tasks\n", remaining)
	}

	processTime := time.Since(startProcess)

	fmt.Printf("\n✓ All tasks processed in %s\n", processTime)
	fmt.Printf("  Throughput: %.2f tasks/sec\n", float64(*numTasks)/processTime.Seconds())

	totalTime := enqueueTime + processTime
	fmt.Printf("\nTotal time: %s\n", totalTime)
	fmt.Printf("Overall throughput: %.2f tasks/sec\n", float64(*numTasks)/totalTime.Seconds())
}
