package sshkey

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func TestGenerateRoundTrip(t *testing.T) {
	kp, err := Generate("kohakuriver-vps-42")
	require.NoError(t, err)
	require.NotEmpty(t, kp.PrivateKeyPEM)
	require.Contains(t, kp.AuthorizedKey, "ssh-ed25519")
	require.True(t, strings.HasSuffix(kp.AuthorizedKey, "kohakuriver-vps-42\n"))

	signer, err := ssh.ParsePrivateKey([]byte(kp.PrivateKeyPEM))
	require.NoError(t, err)

	pubFields := strings.Fields(kp.AuthorizedKey)
	require.Len(t, pubFields, 3)
	require.Equal(t, pubFields[0]+" "+pubFields[1], strings.TrimSpace(string(ssh.MarshalAuthorizedKey(signer.PublicKey()))))
}

func TestGenerateProducesDistinctKeys(t *testing.T) {
	a, err := Generate("")
	require.NoError(t, err)
	b, err := Generate("")
	require.NoError(t, err)
	require.NotEqual(t, a.AuthorizedKey, b.AuthorizedKey)
}
