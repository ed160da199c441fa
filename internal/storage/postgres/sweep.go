package postgres

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Sweep reclaims DM rooms that no pairing references. Orphans appear when a
// DM creation race loses and the inline cleanup fails, or when the server
// dies between the room insert and the pair insert.
type Sweep struct {
	pool *pgxpool.Pool
}

// NewSweep creates a new Sweep instance.
func NewSweep(pool *pgxpool.Pool) *Sweep {
	return &Sweep{pool: pool}
}

// OrphanDirectRooms deletes DM rooms with no direct_chat row and returns the
// number deleted. Rooms younger than the grace window are left alone so an
// in-flight pairing is never swept out from under its writer.
func (s *Sweep) OrphanDirectRooms(ctx context.Context, grace time.Duration) (int, error) {
	cutoff := time.Now().Add(-grace)
	result, err := s.pool.Exec(ctx, `
		DELETE FROM chat_room c
		WHERE c.room_type = 'DM'
		  AND c.created_at < $1
		  AND NOT EXISTS (SELECT 1 FROM direct_chat d WHERE d.chat_room_id = c.id)
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return int(result.RowsAffected()), nil
}

// SweepJob runs the sweep periodically until stopped.
type SweepJob struct {
	sweep    *Sweep
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

// NewSweepJob creates a periodic sweep job.
func NewSweepJob(pool *pgxpool.Pool, interval time.Duration) *SweepJob {
	return &SweepJob{
		sweep:    NewSweep(pool),
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the job loop.
func (j *SweepJob) Start() {
	go func() {
		defer close(j.done)
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				n, err := j.sweep.OrphanDirectRooms(ctx, time.Minute)
				cancel()
				if err != nil {
					slog.Warn("orphan dm room sweep failed", "error", err)
				} else if n > 0 {
					slog.Info("reclaimed orphan dm rooms", "count", n)
				}
			case <-j.stop:
				return
			}
		}
	}()
}

// Stop halts the job and waits for the loop to exit.
func (j *SweepJob) Stop() {
	close(j.stop)
	<-j.done
}
