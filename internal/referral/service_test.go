package referral_test

import (
	"context"
	"strings"
	"sync"
	"testing"

	"callagent/internal/ledger"
	"callagent/internal/referral"
	"callagent/internal/store/memory"
	"callagent/internal/users"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addUser(t *testing.T, st *memory.Store, id, code string) {
	t.Helper()
	_, err := st.CreateUser(context.Background(), users.User{ID: id, ReferralCode: code}, nil)
	require.NoError(t, err)
}

func TestRegisterReferral_Outcomes(t *testing.T) {
	st := memory.New()
	addUser(t, st, "alice", "ALICE234")
	addUser(t, st, "bob", "BOBBY234")
	svc := referral.NewService(st, referral.Config{Cap: 10, Reward: 1}, nil, nil)
	ctx := context.Background()

	out, err := svc.RegisterReferral(ctx, "bob", "NOPE2345")
	require.NoError(t, err)
	assert.Equal(t, referral.OutcomeUnknownCode, out)

	out, err = svc.RegisterReferral(ctx, "alice", "alice234")
	require.NoError(t, err)
	assert.Equal(t, referral.OutcomeSelfReferral, out)

	out, err = svc.RegisterReferral(ctx, "bob", " alice234 ")
	require.NoError(t, err)
	assert.Equal(t, referral.OutcomeCredited, out)

	out, err = svc.RegisterReferral(ctx, "bob", "ALICE234")
	require.NoError(t, err)
	assert.Equal(t, referral.OutcomeAlreadyReferred, out)

	alice, err := st.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), alice.Credits)
	assert.Equal(t, 1, alice.ReferralCredits)

	bob, err := st.GetUser(ctx, "bob")
	require.NoError(t, err)
	require.NotNil(t, bob.ReferredBy)
	assert.Equal(t, "alice", *bob.ReferredBy)

	entries, err := st.Entries(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.ReferralKey("bob"), entries[0].IdempotencyKey)
}

func TestRegisterReferral_CapHoldsUnderConcurrency(t *testing.T) {
	st := memory.New()
	addUser(t, st, "alice", "ALICE234")
	const newcomers = 8
	for i := 0; i < newcomers; i++ {
		addUser(t, st, "n"+string(rune('a'+i)), "NEW2345"+string(rune('A'+i)))
	}
	svc := referral.NewService(st, referral.Config{Cap: 3, Reward: 1}, nil, nil)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		credited int
	)
	for i := 0; i < newcomers; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			out, err := svc.RegisterReferral(context.Background(), id, "ALICE234")
			if err != nil {
				t.Error(err)
				return
			}
			if out == referral.OutcomeCredited {
				mu.Lock()
				credited++
				mu.Unlock()
			}
		}("n" + string(rune('a'+i)))
	}
	wg.Wait()

	assert.Equal(t, 3, credited)
	alice, err := st.GetUser(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(3), alice.Credits)
}

func TestNewCode(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		code, err := referral.NewCode()
		require.NoError(t, err)
		require.Len(t, code, referral.CodeLength)
		for _, r := range code {
			assert.True(t, strings.ContainsRune(referral.CodeAlphabet, r), "unexpected %q in %s", r, code)
		}
		seen[code] = true
	}
	assert.Greater(t, len(seen), 95)
}
