package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeliverSubjectRoundTrip(t *testing.T) {
	for _, id := range []string{"u1", "64f0c2a1e4b0a1b2c3d4e5f6", "user.with.dots", "a b*>"} {
		subject := DeliverSubject(DefaultPrefix, id)
		assert.NotContains(t, subject[len(DefaultPrefix+".deliver."):], ".")

		got, err := SubjectIDFromDeliver(DefaultPrefix, subject)
		require.NoError(t, err)
		assert.Equal(t, id, got)
	}
}

func TestSubjectIDFromDeliverRejectsForeignSubjects(t *testing.T) {
	_, err := SubjectIDFromDeliver(DefaultPrefix, BroadcastSubject(DefaultPrefix))
	assert.Error(t, err)

	_, err = SubjectIDFromDeliver(DefaultPrefix, DefaultPrefix+".deliver.!!")
	assert.Error(t, err)
}
