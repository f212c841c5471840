package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"wisefido-band/internal/apperr"
	"wisefido-band/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_LiveUIDUnique(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	d1, ev := newTestDevice()
	require.NoError(t, s.CreateDevice(ctx, d1, ev))

	d2, _ := newTestDevice()
	d2.TenantID = "tenant-b"
	err := s.CreateDevice(ctx, d2, nil)
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))

	now := time.Now()
	d1.RevokedAt = &now
	require.NoError(t, s.RevokeDevice(ctx, d1, nil))
	err = s.RevokeDevice(ctx, d1, nil)
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))

	// 吊销后 live 约束释放
	require.NoError(t, s.CreateDevice(ctx, d2, nil))
	all, err := s.ListDevicesByUID(ctx, d1.DeviceUID)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestMemoryStore_AssignmentTxRollback(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	d, _ := newTestDevice()
	require.NoError(t, s.CreateDevice(ctx, d, nil))

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx AssignmentTx) error {
		require.NoError(t, tx.InsertAssignment(ctx, &models.DeviceAssignment{
			AssignmentID: "a-1", DeviceID: d.DeviceID, AssignedDate: time.Now(), IsStreaming: true,
		}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	list, err := s.ListStreamingAssignments(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestMemoryStore_OneOpenAssignment(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	insert := func(id string) error {
		return s.WithTx(ctx, func(tx AssignmentTx) error {
			return tx.InsertAssignment(ctx, &models.DeviceAssignment{AssignmentID: id, DeviceID: "d-1", AssignedDate: time.Now(), IsStreaming: true})
		})
	}
	require.NoError(t, insert("a-1"))
	assert.True(t, apperr.IsKind(insert("a-2"), apperr.KindConflict))

	require.NoError(t, s.WithTx(ctx, func(tx AssignmentTx) error {
		return tx.CloseAssignment(ctx, "a-1", time.Now())
	}))
	require.NoError(t, insert("a-2"))
}

func TestMemoryStore_AlertStatusOptimistic(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()
	require.NoError(t, s.CreateAlert(ctx, &models.Alert{AlertID: "a-1", DeviceID: "d", TenantID: "t",
		AlertType: models.AlertDeviceOffline, Status: models.AlertOpen, TriggeredAt: now}, nil))

	found, err := s.FindRecentOpenAlert(ctx, "d", models.AlertDeviceOffline, now.Add(-time.Minute))
	require.NoError(t, err)
	require.NotNil(t, found)

	require.NoError(t, s.UpdateAlertStatus(ctx, "a-1", models.AlertOpen, models.AlertResolved, &now, nil))
	err = s.UpdateAlertStatus(ctx, "a-1", models.AlertOpen, models.AlertAcknowledged, nil, nil)
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))

	found, err = s.FindRecentOpenAlert(ctx, "d", models.AlertDeviceOffline, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestMemoryStore_DeadLetterUpsert(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()

	require.NoError(t, s.UpsertDeadLetter(ctx, DeadLetter{EventKey: "k", Attempts: 5, LastError: "e1", CreatedAt: now}))
	require.NoError(t, s.UpsertDeadLetter(ctx, DeadLetter{EventKey: "k", Attempts: 5, LastError: "e2", CreatedAt: now.Add(time.Second)}))

	list, err := s.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 10, list[0].Attempts)
	assert.Equal(t, "e2", list[0].LastError)
}
