package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/govern/pkg/errcode"
)

func TestAdd_AssignsSequentialIDs(t *testing.T) {
	s := NewStore(t.TempDir())

	e1, err := s.Add("PKT-1", SeverityHigh, "token rotation not automated", "alice")
	require.NoError(t, err)
	assert.Equal(t, "RISK-0001", e1.ID)
	assert.Equal(t, StatusOpen, e1.Status)
	assert.NotEmpty(t, e1.OpenedAt)

	e2, err := s.Add("PKT-2", SeverityLow, "docs lag behind API", "bob")
	require.NoError(t, err)
	assert.Equal(t, "RISK-0002", e2.ID)
}

func TestStore_UsesInjectedClock(t *testing.T) {
	s := NewStore(t.TempDir())
	s.SetClock(func() time.Time { return time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC) })

	e, err := s.Add("PKT-1", SeverityMedium, "cache warmup untested", "alice")
	require.NoError(t, err)
	assert.Equal(t, "2026-08-24T10:00:00Z", e.OpenedAt)

	resolved, err := s.Resolve(e.ID, StatusAccepted)
	require.NoError(t, err)
	assert.Equal(t, "2026-08-24T10:00:00Z", resolved.ResolvedAt)
}

func TestAdd_RejectsBadInput(t *testing.T) {
	s := NewStore(t.TempDir())

	_, err := s.Add("PKT-1", "catastrophic", "x", "alice")
	require.Error(t, err)
	assert.Equal(t, errcode.SubInvalidResidualRisk, errcode.SubOf(err))

	_, err = s.Add("PKT-1", SeverityLow, "", "alice")
	require.Error(t, err)
	assert.Equal(t, errcode.SubInvalidResidualRisk, errcode.SubOf(err))
}

func TestResolve(t *testing.T) {
	s := NewStore(t.TempDir())
	e, err := s.Add("PKT-1", SeverityCritical, "no rollback path", "alice")
	require.NoError(t, err)

	resolved, err := s.Resolve(e.ID, StatusMitigated)
	require.NoError(t, err)
	assert.Equal(t, StatusMitigated, resolved.Status)
	assert.NotEmpty(t, resolved.ResolvedAt)

	_, err = s.Resolve(e.ID, StatusAccepted)
	require.Error(t, err, "a resolved risk cannot be resolved again")
	assert.Equal(t, errcode.SubWrongStatus, errcode.SubOf(err))

	_, err = s.Resolve("RISK-9999", StatusMitigated)
	assert.Equal(t, errcode.NotFound, errcode.CodeOf(err))

	_, err = s.Resolve(e.ID, "ignored")
	assert.Equal(t, errcode.Usage, errcode.CodeOf(err))
}

func TestList_FiltersByStatus(t *testing.T) {
	s := NewStore(t.TempDir())
	e1, err := s.Add("PKT-1", SeverityLow, "a", "alice")
	require.NoError(t, err)
	_, err = s.Add("PKT-2", SeverityHigh, "b", "bob")
	require.NoError(t, err)
	_, err = s.Resolve(e1.ID, StatusAccepted)
	require.NoError(t, err)

	open, err := s.List(StatusOpen)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "RISK-0002", open[0].ID)

	all, err := s.List("")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestOpenCritical_ScopesToPackets(t *testing.T) {
	s := NewStore(t.TempDir())
	_, err := s.Add("PKT-1", SeverityCritical, "in scope", "alice")
	require.NoError(t, err)
	_, err = s.Add("PKT-9", SeverityCritical, "other area", "alice")
	require.NoError(t, err)
	_, err = s.Add("PKT-1", SeverityHigh, "not critical", "alice")
	require.NoError(t, err)

	crit, err := s.OpenCritical([]string{"PKT-1", "PKT-2"})
	require.NoError(t, err)
	require.Len(t, crit, 1)
	assert.Equal(t, "in scope", crit[0].Description)
}

func TestLoad_MissingRegisterIsEmpty(t *testing.T) {
	s := NewStore(t.TempDir())
	entries, err := s.List("")
	require.NoError(t, err)
	assert.Empty(t, entries)
}
