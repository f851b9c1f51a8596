package progress

import (
	"context"
	"fmt"
	"time"
)

type sinkFunc func(context.Context, []Event) error

func (f sinkFunc) Consume(ctx context.Context, batch []Event) error {
	return f(ctx, batch)
}

func (sinkFunc) Close(context.Context) error {
	return nil
}

// ExampleHub_Emit counts finished attempts per status.
func ExampleHub_Emit() {
	counts := map[string]int{}
	hub := NewHub(Config{MaxBatchEvents: 1, MaxBatchWait: time.Second}, sinkFunc(func(_ context.Context, batch []Event) error {
		for _, evt := range batch {
			if evt.Stage == StageAttemptDone {
				counts[evt.Status]++
			}
		}
		return nil
	}))

	for _, status := range []string{"success", "skipped", "success"} {
		hub.Emit(Event{
			JobID:       "job_1",
			DirectoryID: "dir_" + status,
			TS:          time.Unix(0, 0),
			Stage:       StageAttemptDone,
			Status:      status,
		})
	}
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Println(counts["success"], counts["skipped"])
	// Output:
	// 2 1
}
