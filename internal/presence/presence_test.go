package presence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boxaltcoin/fosscord-server/internal/models"
)

func session(id, status string, activities int) models.Session {
	acts := make([]models.Activity, activities)
	for i := range acts {
		acts[i] = models.Activity{Name: "playing", Type: 0}
	}
	return models.Session{
		SessionID:  id,
		UserID:     "u1",
		Status:     status,
		ClientInfo: models.ClientInfo{Client: "desktop-" + id},
		Activities: acts,
	}
}

func TestMostRelevantPrefersActiveStatus(t *testing.T) {
	sessions := []models.Session{
		session("a", models.StatusIdle, 0),
		session("b", models.StatusOnline, 1),
	}

	best := MostRelevant(sessions)
	require.NotNil(t, best)
	assert.Equal(t, "b", best.SessionID)
}

func TestMostRelevantBreaksTiesByActivityCount(t *testing.T) {
	sessions := []models.Session{
		session("a", models.StatusOnline, 0),
		session("b", models.StatusOnline, 2),
	}

	best := MostRelevant(sessions)
	require.NotNil(t, best)
	assert.Equal(t, "b", best.SessionID)
}

func TestMostRelevantEmpty(t *testing.T) {
	assert.Nil(t, MostRelevant(nil))
}

func TestResolveNoSessionsIsOffline(t *testing.T) {
	p := Resolve("u1", nil, models.StatusIdle)
	assert.Equal(t, models.StatusOffline, p.Status)
	assert.Empty(t, p.Activities)
	assert.Empty(t, p.ClientStatus)
}

func TestResolveSubstitutesDefaultStatusForOffline(t *testing.T) {
	sessions := []models.Session{session("a", models.StatusOffline, 0)}

	p := Resolve("u1", sessions, models.StatusDND)

	assert.Equal(t, models.StatusDND, p.Status)
	// client_status keeps the per-device truth
	assert.Equal(t, models.StatusOffline, p.ClientStatus["desktop-a"])
}

func TestResolveKeepsActiveStatus(t *testing.T) {
	sessions := []models.Session{
		session("a", models.StatusDND, 0),
		session("b", models.StatusOffline, 0),
	}

	p := Resolve("u1", sessions, models.StatusOnline)
	assert.Equal(t, models.StatusDND, p.Status)
	assert.Len(t, p.ClientStatus, 2)
}

func TestVisible(t *testing.T) {
	assert.True(t, Visible(models.StatusOnline))
	assert.True(t, Visible(models.StatusIdle))
	assert.True(t, Visible(models.StatusDND))
	assert.False(t, Visible(models.StatusInvisible))
	assert.False(t, Visible(models.StatusOffline))
	assert.False(t, Visible(""))
}
