package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dosewise/internal/domain"
)

func setupLocal(t *testing.T) *Local {
	t.Helper()
	local, err := OpenLocal(":memory:")
	require.NoError(t, err)
	return local
}

func TestLocal_MedicineRoundTrip(t *testing.T) {
	local := setupLocal(t)

	med := &domain.Medicine{
		PatientID: "p1",
		Name:      "Lisinopril",
		Dosage:    "10mg",
		Schedule: []domain.DoseSchedule{
			{Time: "08:00", Bucket: domain.BucketMorning, Frequency: "daily"},
			{Time: "20:00", Bucket: domain.BucketEvening, Frequency: "daily"},
		},
		IsCritical: true,
	}

	require.NoError(t, local.CreateMedicine(med))
	assert.NotEmpty(t, med.ID)

	got, err := local.GetMedicine(med.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Lisinopril", got.Name)
	require.Len(t, got.Schedule, 2)
	assert.Equal(t, "08:00", got.Schedule[0].Time)
	assert.True(t, got.IsCritical)
}

func TestLocal_EveryMutationEnqueues(t *testing.T) {
	local := setupLocal(t)

	med := &domain.Medicine{PatientID: "p1", Name: "Metformin", Dosage: "500mg"}
	require.NoError(t, local.CreateMedicine(med))

	med.Dosage = "850mg"
	require.NoError(t, local.UpdateMedicine(med))
	require.NoError(t, local.DeleteMedicine(med.ID))

	items, err := local.PendingQueueItems(0)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, domain.ActionCreate, items[0].Action)
	assert.Equal(t, domain.ActionUpdate, items[1].Action)
	assert.Equal(t, domain.ActionDelete, items[2].Action)
	for _, item := range items {
		assert.Equal(t, med.ID, item.RecordID)
		assert.Equal(t, domain.CollectionMedicines, item.RecordType)
		assert.NotEmpty(t, item.Payload)
	}
}

func TestLocal_SoftDeleteKeepsHistory(t *testing.T) {
	local := setupLocal(t)

	med := &domain.Medicine{PatientID: "p1", Name: "Warfarin"}
	require.NoError(t, local.CreateMedicine(med))
	require.NoError(t, local.UpsertAdherenceLog(&domain.AdherenceLogEntry{
		PatientID:     "p1",
		MedicineID:    med.ID,
		ScheduledTime: "08:00",
		Day:           "2026-03-14",
		Status:        domain.StatusTaken,
	}))
	require.NoError(t, local.DeleteMedicine(med.ID))

	// Gone from the active list, still resolvable by id.
	meds, err := local.ListMedicines("p1")
	require.NoError(t, err)
	assert.Empty(t, meds)

	got, err := local.GetMedicine(med.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Deleted())

	logs, err := local.GetLogsForDay("p1", "2026-03-14")
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestLocal_AdherenceLogUpsertByLogicalKey(t *testing.T) {
	local := setupLocal(t)

	first := &domain.AdherenceLogEntry{
		PatientID:     "p1",
		MedicineID:    "m1",
		ScheduledTime: "08:00",
		Day:           "2026-03-14",
		Status:        domain.StatusMissed,
	}
	require.NoError(t, local.UpsertAdherenceLog(first))

	second := &domain.AdherenceLogEntry{
		PatientID:     "p1",
		MedicineID:    "m1",
		ScheduledTime: "08:00",
		Day:           "2026-03-14",
		Status:        domain.StatusTaken,
	}
	require.NoError(t, local.UpsertAdherenceLog(second))

	// Same logical key: second write superseded the first.
	assert.Equal(t, first.ID, second.ID)

	logs, err := local.GetLogsForDay("p1", "2026-03-14")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, domain.StatusTaken, logs[0].Status)

	// A different scheduled time is a different dose.
	third := &domain.AdherenceLogEntry{
		PatientID:     "p1",
		MedicineID:    "m1",
		ScheduledTime: "20:00",
		Day:           "2026-03-14",
		Status:        domain.StatusTaken,
	}
	require.NoError(t, local.UpsertAdherenceLog(third))
	logs, _ = local.GetLogsForDay("p1", "2026-03-14")
	assert.Len(t, logs, 2)
}

func TestLocal_LogWindow(t *testing.T) {
	local := setupLocal(t)

	for _, day := range []string{"2026-03-10", "2026-03-12", "2026-03-14", "2026-03-20"} {
		require.NoError(t, local.UpsertAdherenceLog(&domain.AdherenceLogEntry{
			PatientID:     "p1",
			MedicineID:    "m1",
			ScheduledTime: "08:00",
			Day:           day,
			Status:        domain.StatusTaken,
		}))
	}

	logs, err := local.GetLogWindow("p1", "2026-03-11", "2026-03-15")
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "2026-03-12", logs[0].Day)
	assert.Equal(t, "2026-03-14", logs[1].Day)
}

func TestLocal_QueueRetryBookkeeping(t *testing.T) {
	local := setupLocal(t)

	med := &domain.Medicine{PatientID: "p1", Name: "Med"}
	require.NoError(t, local.CreateMedicine(med))

	items, _ := local.PendingQueueItems(0)
	require.Len(t, items, 1)
	id := items[0].ID

	for i := 0; i < 5; i++ {
		require.NoError(t, local.RecordSyncFailure(id, assert.AnError))
	}

	flagged, err := local.QueueItemsNeedingAttention(5)
	require.NoError(t, err)
	require.Len(t, flagged, 1)
	assert.Equal(t, 5, flagged[0].RetryCount)
	assert.NotEmpty(t, flagged[0].LastError)

	// Still pending: items past the threshold are surfaced, not dropped.
	depth, err := local.QueueDepth()
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	require.NoError(t, local.MarkSynced(id))
	depth, _ = local.QueueDepth()
	assert.Equal(t, int64(0), depth)

	items, _ = local.PendingQueueItems(0)
	assert.Empty(t, items)
}

func TestLocal_PruneSyncedRespectsRetention(t *testing.T) {
	local := setupLocal(t)

	med := &domain.Medicine{PatientID: "p1", Name: "Med"}
	require.NoError(t, local.CreateMedicine(med))

	items, _ := local.PendingQueueItems(0)
	require.Len(t, items, 1)
	require.NoError(t, local.MarkSynced(items[0].ID))

	// Synced moments ago: retained.
	pruned, err := local.PruneSynced(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pruned)

	// Zero retention prunes it.
	time.Sleep(5 * time.Millisecond)
	pruned, err = local.PruneSynced(0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)
}

func TestLocal_CriticalMedicineSet(t *testing.T) {
	local := setupLocal(t)

	critical := &domain.Medicine{PatientID: "p1", Name: "Warfarin", IsCritical: true}
	normal := &domain.Medicine{PatientID: "p1", Name: "Vitamin D"}
	require.NoError(t, local.CreateMedicine(critical))
	require.NoError(t, local.CreateMedicine(normal))

	set, err := local.CriticalMedicineSet("p1")
	require.NoError(t, err)
	assert.True(t, set[critical.ID])
	assert.False(t, set[normal.ID])

	// Soft-deleted critical medicines stay in the set.
	require.NoError(t, local.DeleteMedicine(critical.ID))
	set, _ = local.CriticalMedicineSet("p1")
	assert.True(t, set[critical.ID])
}

func TestLocal_LatestLogTime(t *testing.T) {
	local := setupLocal(t)

	latest, err := local.LatestLogTime("p1")
	require.NoError(t, err)
	assert.True(t, latest.IsZero())

	require.NoError(t, local.UpsertAdherenceLog(&domain.AdherenceLogEntry{
		PatientID:     "p1",
		MedicineID:    "m1",
		ScheduledTime: "08:00",
		Day:           "2026-03-14",
		Status:        domain.StatusTaken,
	}))

	latest, err = local.LatestLogTime("p1")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), latest, 5*time.Second)
}
