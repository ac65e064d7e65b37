//go:build integration

package integration_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tckafka "github.com/testcontainers/testcontainers-go/modules/kafka"

	"github.com/NeilCic/nappatzim-sub001/internal/adapter/sqlite"
	"github.com/NeilCic/nappatzim-sub001/internal/domain"
)

// seedClimbs are the climbs referenced by data/mock/climb_votes.json, except
// deleted-problem which is intentionally absent.
var seedClimbs = []domain.Climb{
	{ID: "cave-roof", Name: "Cave Roof", GradingSystem: domain.VScale, Grade: "V5"},
	{ID: "grey-slab", Name: "Grey Slab", GradingSystem: domain.French, Grade: "6a+"},
	{ID: "warmup-arete", Name: "Warmup Arete", GradingSystem: domain.VScaleRange, Grade: "V1-V3"},
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startKafka runs a single-node KRaft broker and returns its address.
func startKafka(ctx context.Context, t *testing.T) string {
	t.Helper()
	container, err := tckafka.Run(ctx, "confluentinc/confluent-local:7.5.0", tckafka.WithClusterID("climb-insights-test"))
	require.NoError(t, err, "start kafka container")
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, brokers)
	return brokers[0]
}

// createTopic creates a single-partition topic through the cluster controller.
func createTopic(t *testing.T, broker, topic string) {
	t.Helper()
	conn, err := kafkago.Dial("tcp", broker)
	require.NoError(t, err)
	defer conn.Close()

	controller, err := conn.Controller()
	require.NoError(t, err)

	ctrl, err := kafkago.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	require.NoError(t, err)
	defer ctrl.Close()

	require.NoError(t, ctrl.CreateTopics(kafkago.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	}))
}

// loadMockVotes returns the raw vote payloads of data/mock/climb_votes.json.
func loadMockVotes(t *testing.T) []json.RawMessage {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("..", "..", "data", "mock", "climb_votes.json"))
	require.NoError(t, err)

	var payloads []json.RawMessage
	require.NoError(t, json.Unmarshal(data, &payloads))
	return payloads
}

// openSeededStore opens a temp SQLite store holding seedClimbs.
func openSeededStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "climbs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	for _, c := range seedClimbs {
		c.CreatedAt = time.Date(2024, time.April, 1, 0, 0, 0, 0, time.UTC)
		require.NoError(t, store.CreateClimb(context.Background(), c))
	}
	return store
}
