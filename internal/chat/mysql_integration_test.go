//go:build integration

package chat

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcmysql "github.com/testcontainers/testcontainers-go/modules/mysql"

	"github.com/suPer8Hu/supportbot/internal/db"
	"github.com/suPer8Hu/supportbot/internal/identity"
)

func openMySQL(t *testing.T) *Repo {
	t.Helper()
	ctx := context.Background()
	ctr, err := tcmysql.Run(ctx, "mysql:8.0.36",
		tcmysql.WithDatabase("supportbot"),
		tcmysql.WithUsername("app"),
		tcmysql.WithPassword("apppass"),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	dsn, err := ctr.ConnectionString(ctx, "charset=utf8mb4", "parseTime=true", "loc=Local")
	require.NoError(t, err)
	gdb, err := db.Connect("mysql", dsn)
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(gdb))
	return NewRepo(gdb)
}

func TestMySQL_SaveTurnRace(t *testing.T) {
	repo := openMySQL(t)
	ctx := context.Background()
	who := identity.Authenticated(1)
	seedSession(t, repo, "chat-mysql", who)

	const workers = 16
	ids := make([]uint64, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			turn, err := repo.SaveTurn(ctx, "chat-mysql", who, SenderUser, KindMessage, "same text", "")
			errs[i] = err
			if turn != nil {
				ids[i] = turn.ID
			}
		}(i)
	}
	wg.Wait()

	for i := range errs {
		require.NoError(t, errs[i], fmt.Sprintf("worker %d", i))
		assert.Equal(t, ids[0], ids[i])
	}
	n, err := repo.CountTurns(ctx, "chat-mysql")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMySQL_SaveSessionRace(t *testing.T) {
	repo := openMySQL(t)
	ctx := context.Background()
	who := identity.Anonymous("198.51.100.20")

	var wg sync.WaitGroup
	created := make([]bool, 8)
	for i := range created {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, c, err := repo.SaveSession(ctx, "chat-mysql-s", who, "ollama", "llama3:latest")
			assert.NoError(t, err)
			created[i] = c
		}(i)
	}
	wg.Wait()

	total := 0
	for _, c := range created {
		if c {
			total++
		}
	}
	assert.Equal(t, 1, total)
}
