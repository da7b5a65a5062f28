package reservation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedResolver(cidr, gateway, hostIP string) SubnetResolver {
	return func(runnerName string) (RunnerSubnet, error) {
		return RunnerSubnet{CIDR: cidr, GatewayIP: gateway, HostVXLANIP: hostIP}, nil
	}
}

func testService(t *testing.T) *Service {
	t.Helper()
	resolve := fixedResolver("10.128.64.0/24", "10.128.64.1", "10.128.64.254")
	svc, err := New([]byte("test-secret-key-do-not-use-in-prod"), resolve)
	require.NoError(t, err)
	return svc
}

// TestReservationRoundTrip: reserve, validate,
// use, release by container.
func TestReservationRoundTrip(t *testing.T) {
	svc := testService(t)

	r, err := svc.Reserve("runner_1", "", 0, "task")
	require.NoError(t, err)
	assert.NotEmpty(t, r.IP)
	assert.NotEmpty(t, r.Token)

	got, ok := svc.Validate(r.Token, "runner_1")
	require.True(t, ok)
	assert.Equal(t, r.IP, got.IP)

	require.NoError(t, svc.Use(r.Token, "container-abc"))
	got2, ok := svc.Validate(r.Token, "runner_1")
	require.True(t, ok)
	assert.Equal(t, "container-abc", got2.ContainerID)
	assert.True(t, got2.Used())

	require.NoError(t, svc.ReleaseByContainer("container-abc"))
	_, ok = svc.Validate(r.Token, "runner_1")
	assert.False(t, ok, "token must be invalid after release")
}

// TestTokenTamperDetected: a modified token must
// fail HMAC verification.
func TestTokenTamperDetected(t *testing.T) {
	svc := testService(t)

	r, err := svc.Reserve("runner_1", "", 0, "task")
	require.NoError(t, err)

	tampered := r.Token[:len(r.Token)-1] + "x"
	if tampered == r.Token {
		tampered = r.Token[:len(r.Token)-1] + "y"
	}
	_, ok := svc.Validate(tampered, "runner_1")
	assert.False(t, ok)
}

func TestValidateRejectsWrongRunner(t *testing.T) {
	svc := testService(t)

	r, err := svc.Reserve("runner_1", "", 0, "task")
	require.NoError(t, err)

	_, ok := svc.Validate(r.Token, "runner_2")
	assert.False(t, ok)
}

// TestReserveRejectsDuplicateWithoutRelease implements the Open Question
// decision: re-reserving an already-reserved IP fails until released.
func TestReserveRejectsDuplicateWithoutRelease(t *testing.T) {
	svc := testService(t)

	r, err := svc.Reserve("runner_1", "10.128.64.10", 0, "task")
	require.NoError(t, err)
	assert.Equal(t, "10.128.64.10", r.IP)

	_, err = svc.Reserve("runner_1", "10.128.64.10", 0, "task")
	assert.Error(t, err)

	require.NoError(t, svc.ReleaseByToken(r.Token))
	r2, err := svc.Reserve("runner_1", "10.128.64.10", 0, "task")
	require.NoError(t, err)
	assert.Equal(t, "10.128.64.10", r2.IP)
}

// TestExpiredUnusedReservationIsCleaned: an
// unused reservation past its TTL is released automatically, but a used
// one never expires on its own.
func TestExpiredUnusedReservationIsCleaned(t *testing.T) {
	svc := testService(t)

	r, err := svc.Reserve("runner_1", "10.128.64.20", 1*time.Millisecond, "task")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	_, ok := svc.Validate(r.Token, "runner_1")
	assert.False(t, ok, "unused reservation must expire")

	list := svc.List()
	for _, res := range list {
		assert.NotEqual(t, r.Token, res.Token)
	}
}

func TestUsedReservationSurvivesTTL(t *testing.T) {
	svc := testService(t)

	r, err := svc.Reserve("runner_1", "10.128.64.30", 1*time.Millisecond, "task")
	require.NoError(t, err)
	require.NoError(t, svc.Use(r.Token, "container-xyz"))

	time.Sleep(5 * time.Millisecond)

	got, ok := svc.Validate(r.Token, "runner_1")
	require.True(t, ok, "used reservation must not expire on its own")
	assert.Equal(t, "container-xyz", got.ContainerID)
}

func TestReleaseByTokenRejectsUsedReservation(t *testing.T) {
	svc := testService(t)

	r, err := svc.Reserve("runner_1", "", 0, "task")
	require.NoError(t, err)
	require.NoError(t, svc.Use(r.Token, "container-1"))

	err = svc.ReleaseByToken(r.Token)
	assert.Error(t, err)
}

func TestReleaseByTokenIdempotentOnUnknownToken(t *testing.T) {
	svc := testService(t)
	assert.NoError(t, svc.ReleaseByToken("not-a-real-token"))
}

func TestMarkIPFreeReleasesMatchingReservations(t *testing.T) {
	svc := testService(t)

	r, err := svc.Reserve("runner_1", "10.128.64.40", 0, "task")
	require.NoError(t, err)
	require.NoError(t, svc.Use(r.Token, "container-1"))

	require.NoError(t, svc.MarkIPFree("runner_1", "10.128.64.40"))

	_, ok := svc.Validate(r.Token, "runner_1")
	assert.False(t, ok)
}

func TestReserveExcludesGatewayAndHostVXLANIP(t *testing.T) {
	svc := testService(t)

	for i := 0; i < 50; i++ {
		r, err := svc.Reserve("runner_1", "", 0, "task")
		require.NoError(t, err)
		assert.NotEqual(t, "10.128.64.1", r.IP)
		assert.NotEqual(t, "10.128.64.254", r.IP)
		require.NoError(t, svc.ReleaseByToken(r.Token))
	}
}

func TestVMPurposeUsesLongerDefaultTTL(t *testing.T) {
	svc := testService(t)

	r, err := svc.Reserve("runner_1", "", 0, "vm")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(DefaultVMTTL), r.ExpiresAt, 2*time.Second)
}
