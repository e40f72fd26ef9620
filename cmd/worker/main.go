package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"attendance/internal/config"
	"attendance/internal/queue"
	"attendance/internal/session"
	"attendance/internal/store"
)

// Worker drains the audit queue and persists the attendance audit trail.
// It is deliberately not a session-expiry scheduler; expiry is evaluated
// lazily by the engine on access.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()
	repo := session.NewRepository(db.Client)

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(256)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "attendance:audit")
	}

	events, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("audit worker started, waiting for events...")
	for evt := range events {
		if err := repo.InsertAudit(ctx, evt); err != nil {
			log.Printf("audit insert failed for session %s: %v", evt.SessionID, err)
			continue
		}
		log.Printf("audit: %s session=%s student=%s actor=%s", evt.Action, evt.SessionID, evt.StudentID, evt.ActorID)
	}

	log.Println("audit worker stopped")
}
