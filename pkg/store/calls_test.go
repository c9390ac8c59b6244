package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelcall/kestrel/pkg/models"
)

func TestCreateCall_IdempotentOnSID(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	nc := models.NewCall{
		ID:        newCallSID(),
		Direction: models.DirectionOutbound,
		State:     models.CallInitiated,
		From:      "+15550001111",
		To:        "+15550002222",
	}
	first, err := st.CreateCall(ctx, nc)
	require.NoError(t, err)

	// A webhook can race the API response; replaying the insert returns
	// the existing row instead of failing.
	second, err := st.CreateCall(ctx, nc)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
}

func TestUpdateCallState_Lifecycle(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	call := seedCall(t, st, models.CallInitiated)

	applied, err := st.UpdateCallState(ctx, call.ID, models.CallRinging, 0)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = st.UpdateCallState(ctx, call.ID, models.CallInProgress, 0)
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := st.GetCall(ctx, call.ID)
	require.NoError(t, err)
	require.NotNil(t, got.AnsweredAt)
	assert.Nil(t, got.EndedAt)
	answeredAt := *got.AnsweredAt

	applied, err = st.UpdateCallState(ctx, call.ID, models.CallCompleted, 45)
	require.NoError(t, err)
	assert.True(t, applied)

	got, err = st.GetCall(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CallCompleted, got.State)
	assert.Equal(t, 45, got.DurationSec)
	require.NotNil(t, got.EndedAt)
	assert.Equal(t, answeredAt, *got.AnsweredAt)
}

func TestUpdateCallState_TerminalStatesAreSinks(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	call := seedCall(t, st, models.CallCompleted)

	// Late provider callbacks must not resurrect a settled call.
	applied, err := st.UpdateCallState(ctx, call.ID, models.CallFailed, 0)
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := st.GetCall(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CallCompleted, got.State)
}

func TestUpdateCallState_ZeroDurationKeepsExisting(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	call := seedCall(t, st, models.CallInitiated)
	_, err := st.UpdateCallState(ctx, call.ID, models.CallInProgress, 30)
	require.NoError(t, err)

	_, err = st.UpdateCallState(ctx, call.ID, models.CallCompleted, 0)
	require.NoError(t, err)

	got, err := st.GetCall(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, 30, got.DurationSec)
}

func TestSetCallDuration_BackfillOnly(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	call := seedCall(t, st, models.CallCompleted)

	require.NoError(t, st.SetCallDuration(ctx, call.ID, 42))
	got, err := st.GetCall(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, 42, got.DurationSec)

	// A later webhook never overwrites a measured duration.
	require.NoError(t, st.SetCallDuration(ctx, call.ID, 99))
	got, err = st.GetCall(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, 42, got.DurationSec)

	require.NoError(t, st.SetCallDuration(ctx, call.ID, 0))
	require.NoError(t, st.SetCallDuration(ctx, call.ID, -5))
}

func TestSetTerminatedBy_WriteModes(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	t.Run("if-missing fills only null", func(t *testing.T) {
		call := seedCall(t, st, models.CallCompleted)

		applied, err := st.SetTerminatedBy(ctx, call.ID, models.TerminatedByUser, WriteIfMissing)
		require.NoError(t, err)
		assert.True(t, applied)

		applied, err = st.SetTerminatedBy(ctx, call.ID, models.TerminatedByAgent, WriteIfMissing)
		require.NoError(t, err)
		assert.False(t, applied)

		got, err := st.GetCall(ctx, call.ID)
		require.NoError(t, err)
		assert.Equal(t, models.TerminatedByUser, got.TerminatedBy)
	})

	t.Run("fill-unknown replaces the fallback but not a verdict", func(t *testing.T) {
		call := seedCall(t, st, models.CallCompleted)

		_, err := st.SetTerminatedBy(ctx, call.ID, models.TerminatedByUnknown, WriteIfMissing)
		require.NoError(t, err)

		applied, err := st.SetTerminatedBy(ctx, call.ID, models.TerminatedByAgent, WriteFillUnknown)
		require.NoError(t, err)
		assert.True(t, applied)

		applied, err = st.SetTerminatedBy(ctx, call.ID, models.TerminatedByUser, WriteFillUnknown)
		require.NoError(t, err)
		assert.False(t, applied)

		got, err := st.GetCall(ctx, call.ID)
		require.NoError(t, err)
		assert.Equal(t, models.TerminatedByAgent, got.TerminatedBy)
	})

	t.Run("force displaces anything", func(t *testing.T) {
		call := seedCall(t, st, models.CallCompleted)

		_, err := st.SetTerminatedBy(ctx, call.ID, models.TerminatedByAMDMachine, WriteIfMissing)
		require.NoError(t, err)

		applied, err := st.SetTerminatedBy(ctx, call.ID, models.TerminatedByAPIRequest, WriteForce)
		require.NoError(t, err)
		assert.True(t, applied)

		got, err := st.GetCall(ctx, call.ID)
		require.NoError(t, err)
		assert.Equal(t, models.TerminatedByAPIRequest, got.TerminatedBy)
	})
}

func TestGetCallByConversationID(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	call := seedCall(t, st, models.CallInProgress)
	require.NoError(t, st.SetConversationID(ctx, call.ID, "conv_abc123"))

	got, err := st.GetCallByConversationID(ctx, "conv_abc123")
	require.NoError(t, err)
	assert.Equal(t, call.ID, got.ID)

	_, err = st.GetCallByConversationID(ctx, "conv_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetAnsweredBy(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	call := seedCall(t, st, models.CallInProgress)
	require.NoError(t, st.SetAnsweredBy(ctx, call.ID, models.AnsweredByMachineStart))

	got, err := st.GetCall(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AnsweredByMachineStart, got.AnsweredBy)
}

func TestListCalls_FiltersAndPagination(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	campaign := seedCampaign(t, st, "list filters")
	contacts := seedContacts(t, st, campaign.ID, 2)

	mkCall := func(campaignID, contactID string, state models.CallState) *models.Call {
		call, err := st.CreateCall(ctx, models.NewCall{
			ID:         newCallSID(),
			CampaignID: campaignID,
			ContactID:  contactID,
			Direction:  models.DirectionOutbound,
			State:      models.CallInitiated,
			From:       "+15550001111",
			To:         "+15550002222",
		})
		require.NoError(t, err)
		if state != models.CallInitiated {
			_, err = st.UpdateCallState(ctx, call.ID, state, 0)
			require.NoError(t, err)
		}
		return call
	}

	mkCall(campaign.ID, contacts[0].ID, models.CallCompleted)
	mkCall(campaign.ID, contacts[1].ID, models.CallInProgress)
	mkCall("", "", models.CallInProgress)

	t.Run("by campaign", func(t *testing.T) {
		calls, total, err := st.ListCalls(ctx, models.CallFilters{CampaignID: campaign.ID})
		require.NoError(t, err)
		assert.Equal(t, 2, total)
		assert.Len(t, calls, 2)
	})

	t.Run("by contact", func(t *testing.T) {
		calls, total, err := st.ListCalls(ctx, models.CallFilters{ContactID: contacts[0].ID})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		require.Len(t, calls, 1)
		assert.Equal(t, models.CallCompleted, calls[0].State)
	})

	t.Run("by state", func(t *testing.T) {
		_, total, err := st.ListCalls(ctx, models.CallFilters{State: models.CallInProgress})
		require.NoError(t, err)
		assert.Equal(t, 2, total)
	})

	t.Run("pagination keeps total", func(t *testing.T) {
		calls, total, err := st.ListCalls(ctx, models.CallFilters{Limit: 2, Offset: 2})
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		assert.Len(t, calls, 1)
	})
}

func TestListActiveCalls(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	active := seedCall(t, st, models.CallRinging)
	seedCall(t, st, models.CallCompleted)

	calls, err := st.ListActiveCalls(ctx)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, active.ID, calls[0].ID)
}
