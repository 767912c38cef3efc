package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/loopbot/internal/domain"
)

type recordedPut struct {
	path        string
	contentType string
	body        []byte
	multipart   bool
}

type fakeWriter struct {
	puts []recordedPut
	err  error
}

func (f *fakeWriter) Put(_ context.Context, path string, data io.Reader, contentType string) error {
	if f.err != nil {
		return f.err
	}
	body, _ := io.ReadAll(data)
	f.puts = append(f.puts, recordedPut{path: path, contentType: contentType, body: body})
	return nil
}

func (f *fakeWriter) PutMultipart(_ context.Context, path string, data io.Reader, _ int64) error {
	if f.err != nil {
		return f.err
	}
	body, _ := io.ReadAll(data)
	f.puts = append(f.puts, recordedPut{path: path, body: body, multipart: true})
	return nil
}

type fakePositionSource struct {
	positions []domain.Position
	err       error
}

func (f *fakePositionSource) ListClosedBefore(context.Context, time.Time) ([]domain.Position, error) {
	return f.positions, f.err
}

type fakeAuditSource struct {
	entries []domain.AuditEntry
	err     error
}

func (f *fakeAuditSource) ListBefore(context.Context, time.Time) ([]domain.AuditEntry, error) {
	return f.entries, f.err
}

func closedPosition(id string) domain.Position {
	closed := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	return domain.Position{
		ID:                id,
		Owner:             common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Account:           common.HexToAddress("0x2222222222222222222222222222222222222222"),
		CollateralAssets:  []common.Address{common.HexToAddress("0x3333333333333333333333333333333333333333")},
		CollateralAmounts: []*big.Int{big.NewInt(1_000_000)},
		DebtAsset:         common.HexToAddress("0x4444444444444444444444444444444444444444"),
		DebtAmount:        big.NewInt(500_000),
		Mode:              domain.ModeSafe,
		CreatedAt:         time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		ClosedAt:          &closed,
	}
}

func TestArchiveClosedPositions(t *testing.T) {
	writer := &fakeWriter{}
	positions := &fakePositionSource{positions: []domain.Position{
		closedPosition("pos-a"),
		closedPosition("pos-b"),
	}}
	arch := NewArchiver(writer, positions, &fakeAuditSource{})

	cutoff := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	n, err := arch.ArchiveClosedPositions(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.Len(t, writer.puts, 1)
	put := writer.puts[0]
	assert.Equal(t, "archive/positions/2026-04.jsonl", put.path)
	assert.Equal(t, "application/x-ndjson", put.contentType)
	assert.False(t, put.multipart)

	var ids []string
	sc := bufio.NewScanner(bytes.NewReader(put.body))
	for sc.Scan() {
		var row map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &row))
		ids = append(ids, row["id"].(string))
		assert.Equal(t, "500000", row["debt_amount"])
		assert.Equal(t, "safe", row["mode"])
	}
	assert.Equal(t, []string{"pos-a", "pos-b"}, ids)
}

func TestArchiveClosedPositionsEmptySkipsUpload(t *testing.T) {
	writer := &fakeWriter{}
	arch := NewArchiver(writer, &fakePositionSource{}, &fakeAuditSource{})

	n, err := arch.ArchiveClosedPositions(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, writer.puts)
}

func TestArchiveClosedPositionsQueryError(t *testing.T) {
	boom := errors.New("connection reset")
	arch := NewArchiver(&fakeWriter{}, &fakePositionSource{err: boom}, &fakeAuditSource{})

	_, err := arch.ArchiveClosedPositions(context.Background(), time.Now())
	assert.ErrorIs(t, err, boom)
}

func TestArchiveAudit(t *testing.T) {
	writer := &fakeWriter{}
	audit := &fakeAuditSource{entries: []domain.AuditEntry{
		{ID: 1, Event: "position_created", Detail: map[string]any{"id": "pos-a"}},
		{ID: 2, Event: "position_closed", Detail: map[string]any{"id": "pos-a"}},
	}}
	arch := NewArchiver(writer, &fakePositionSource{}, audit)

	cutoff := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	n, err := arch.ArchiveAudit(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.Len(t, writer.puts, 1)
	assert.Equal(t, "archive/audit/2026-05.jsonl", writer.puts[0].path)
	assert.Equal(t, 2, strings.Count(string(writer.puts[0].body), "\n"))
}

func TestArchiveAuditLargeBatchUsesMultipart(t *testing.T) {
	writer := &fakeWriter{}
	entries := make([]domain.AuditEntry, 0, 40_000)
	filler := strings.Repeat("x", 256)
	for i := range cap(entries) {
		entries = append(entries, domain.AuditEntry{
			ID:     int64(i),
			Event:  "health_snapshot",
			Detail: map[string]any{"filler": filler},
		})
	}
	arch := NewArchiver(writer, &fakePositionSource{}, &fakeAuditSource{entries: entries})

	n, err := arch.ArchiveAudit(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(len(entries)), n)

	require.Len(t, writer.puts, 1)
	assert.True(t, writer.puts[0].multipart)
	assert.Greater(t, len(writer.puts[0].body), multipartThreshold)
}

func TestArchiveUploadErrorPropagates(t *testing.T) {
	boom := errors.New("bucket gone")
	writer := &fakeWriter{err: boom}
	arch := NewArchiver(writer, &fakePositionSource{positions: []domain.Position{closedPosition("pos-a")}}, &fakeAuditSource{})

	_, err := arch.ArchiveClosedPositions(context.Background(), time.Now())
	assert.ErrorIs(t, err, boom)
}
