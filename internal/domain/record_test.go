package domain

import (
	"errors"
	"testing"
	"time"

	"checkin-core/internal/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecideCheckin(t *testing.T) {
	action, rec, err := DecideCheckin(nil)
	require.NoError(t, err)
	assert.Equal(t, CheckinInsert, action)
	assert.Nil(t, rec)

	_, _, err = DecideCheckin([]CheckinRecord{{RecordID: 1, Status: RecordRevoked}, {RecordID: 2, Status: RecordChecked}})
	assert.True(t, errors.Is(err, apperr.ErrAlreadyChecked))

	action, rec, err = DecideCheckin([]CheckinRecord{{RecordID: 3, Status: RecordMissed}})
	require.NoError(t, err)
	assert.Equal(t, CheckinUpgrade, action)
	assert.Equal(t, int64(3), rec.RecordID)

	action, _, err = DecideCheckin([]CheckinRecord{{RecordID: 4, Status: RecordRevoked}})
	require.NoError(t, err)
	assert.Equal(t, CheckinInsert, action)
}

func TestCheckCancel(t *testing.T) {
	checkedAt := time.Date(2025, 1, 7, 9, 5, 0, 0, time.UTC)
	rec := &CheckinRecord{RecordID: 1, SoloUserID: 10, Status: RecordChecked, CheckinTime: &checkedAt}

	assert.NoError(t, CheckCancel(rec, 10, checkedAt.Add(30*time.Minute), 30*time.Minute))

	err := CheckCancel(rec, 10, checkedAt.Add(35*time.Minute), 30*time.Minute)
	assert.Equal(t, apperr.CodeTooLate, apperr.CodeOf(err))

	err = CheckCancel(rec, 11, checkedAt, 30*time.Minute)
	assert.Equal(t, apperr.CodeNotOwner, apperr.CodeOf(err))
	assert.Equal(t, apperr.KindPermissionDenied, apperr.KindOf(err))

	revoked := &CheckinRecord{RecordID: 2, SoloUserID: 10, Status: RecordRevoked}
	err = CheckCancel(revoked, 10, checkedAt, 30*time.Minute)
	assert.Equal(t, apperr.CodeNotChecked, apperr.CodeOf(err))
}

func TestRecordRef(t *testing.T) {
	var rec CheckinRecord
	rec.SetRef(RuleRef{Kind: SourceCommunity, ID: 7})
	assert.Nil(t, rec.RuleID)
	assert.Equal(t, RuleRef{Kind: SourceCommunity, ID: 7}, rec.Ref())

	rec.SetRef(RuleRef{Kind: SourcePersonal, ID: 3})
	assert.Nil(t, rec.CommunityRuleID)
	assert.Equal(t, RuleRef{Kind: SourcePersonal, ID: 3}, rec.Ref())
}

func TestSupervisionCovers(t *testing.T) {
	r1, r2 := int64(1), int64(2)
	broad := SupervisionRelation{Status: SupervisionAccepted}
	scoped := SupervisionRelation{Status: SupervisionAccepted, RuleID: &r1}
	pending := SupervisionRelation{Status: SupervisionPending}

	assert.True(t, broad.Covers(&r2))
	assert.True(t, broad.Covers(nil))
	assert.True(t, scoped.Covers(&r1))
	assert.False(t, scoped.Covers(&r2))
	assert.False(t, scoped.Covers(nil))
	assert.False(t, pending.Covers(nil))
}
