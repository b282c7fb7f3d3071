package identity

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noematicsllc/cortexd/internal/logger"
	"github.com/noematicsllc/cortexd/internal/store"
)

func TestRequestingNodeNilForLocal(t *testing.T) {
	id := Identity{UID: 1000, Remote: false}
	require.Nil(t, id.RequestingNode())
}

func TestRequestingNodeSetForRemote(t *testing.T) {
	id := Identity{NodeName: "node_b", Remote: true}
	require.NotNil(t, id.RequestingNode())
	require.Equal(t, "node_b", *id.RequestingNode())
}

func TestEffectiveSubjectRemoteUsesCertCN(t *testing.T) {
	s, err := store.Open(t.TempDir(), logger.Default())
	require.NoError(t, err)
	defer s.Close()

	subj := EffectiveSubject(s, "node_a", Identity{NodeName: "node_b", Remote: true})
	require.Equal(t, "node_b", subj)
}

func TestEffectiveSubjectLocalFallsBackToUIDWithoutFederatedIdentity(t *testing.T) {
	s, err := store.Open(t.TempDir(), logger.Default())
	require.NoError(t, err)
	defer s.Close()

	subj := EffectiveSubject(s, "node_a", Identity{UID: 1000, Remote: false})
	require.Equal(t, store.LocalIdentity(1000), subj)
}

func TestEffectiveSubjectLocalPrefersFederatedIdentity(t *testing.T) {
	s, err := store.Open(t.TempDir(), logger.Default())
	require.NoError(t, err)
	defer s.Close()

	signer := store.NewJWTClaimCodec([]byte("s3cr3t"), 0)
	fedID, token, err := s.RegisterIdentity(signer, "node_a", 1000)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	subj := EffectiveSubject(s, "node_a", Identity{UID: 1000, Remote: false})
	require.Equal(t, fedID, subj)
}
