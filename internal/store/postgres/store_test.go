package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/ankittk/sybil/pkg/models"
	"github.com/google/uuid"
)

func TestOpen_skipIfNoDatabaseURL(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set, skipping postgres test")
	}
	st, err := Open(dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = st.Close() }()
	ctx := context.Background()

	handle := "pg_" + uuid.NewString()[:8]
	a, err := st.CreateAgent(ctx, models.Agent{ExternalID: "ext-" + handle, Handle: handle, Active: true})
	if err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	job, err := st.CreateJob(ctx, models.Job{AgentID: a.ID, Action: models.ActionPost})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	now := time.Now()
	ok, err := st.ClaimJob(ctx, job.ID, now)
	if err != nil || !ok {
		t.Fatalf("ClaimJob: ok=%v err=%v", ok, err)
	}
	if ok, _ := st.ClaimJob(ctx, job.ID, now); ok {
		t.Fatal("second ClaimJob should lose")
	}
	if err := st.CompleteJob(ctx, job.ID, "{}", now); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
}
