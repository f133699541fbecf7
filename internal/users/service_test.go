package users

import (
	"context"
	"errors"
	"sync"
	"testing"

	"callagent/internal/ledger"
	"callagent/internal/referral"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu      sync.Mutex
	users   map[string]User
	codes   map[string]bool
	signups []ledger.Entry
}

func newFakeStore() *fakeStore {
	return &fakeStore{users: map[string]User{}, codes: map[string]bool{}}
}

func (f *fakeStore) CreateUser(ctx context.Context, u User, signup *ledger.Entry) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[u.ID]; ok {
		return false, nil
	}
	if f.codes[u.ReferralCode] {
		return false, ErrReferralCodeTaken
	}
	f.codes[u.ReferralCode] = true
	if signup != nil {
		f.signups = append(f.signups, *signup)
	}
	f.users[u.ID] = u
	return true, nil
}

func (f *fakeStore) GetUser(ctx context.Context, id string) (User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

type fakeReferrals struct {
	calls []string
	err   error
}

func (f *fakeReferrals) RegisterReferral(ctx context.Context, newUserID, code string) (referral.Outcome, error) {
	f.calls = append(f.calls, newUserID+":"+code)
	return referral.OutcomeCredited, f.err
}

func codes(seq ...string) func() (string, error) {
	i := 0
	return func() (string, error) {
		c := seq[i%len(seq)]
		i++
		return c, nil
	}
}

func TestRegister_CreatesOnceWithSignupCredits(t *testing.T) {
	st := newFakeStore()
	refs := &fakeReferrals{}
	svc := NewService(st, refs, Config{StartingCredits: 1}, nil)
	svc.newCode = codes("AAAA2222")

	u, created, err := svc.Register(context.Background(), "u1", RegisterInput{DisplayName: "  Sam ", ReferralCode: "BBBB3333"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "Sam", u.DisplayName)
	assert.Equal(t, "AAAA2222", u.ReferralCode)
	require.Len(t, st.signups, 1)
	assert.Equal(t, ledger.SignupKey("u1"), st.signups[0].IdempotencyKey)
	assert.Equal(t, int64(1), st.signups[0].Amount)
	assert.Equal(t, []string{"u1:BBBB3333"}, refs.calls)

	_, created, err = svc.Register(context.Background(), "u1", RegisterInput{ReferralCode: "CCCC4444"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Len(t, st.signups, 1)
	assert.Len(t, refs.calls, 1)
}

func TestRegister_RetriesCodeCollision(t *testing.T) {
	st := newFakeStore()
	svc := NewService(st, nil, Config{}, nil)
	svc.newCode = codes("AAAA2222", "AAAA2222", "DDDD5555")

	_, _, err := svc.Register(context.Background(), "u1", RegisterInput{})
	require.NoError(t, err)
	u, _, err := svc.Register(context.Background(), "u2", RegisterInput{})
	require.NoError(t, err)
	assert.Equal(t, "DDDD5555", u.ReferralCode)
	assert.Empty(t, st.signups)
}

func TestRegister_GivesUpAfterRepeatedCollisions(t *testing.T) {
	st := newFakeStore()
	st.codes["AAAA2222"] = true
	svc := NewService(st, nil, Config{}, nil)
	svc.newCode = codes("AAAA2222")

	_, _, err := svc.Register(context.Background(), "u1", RegisterInput{})
	require.Error(t, err)
	_, err = svc.Get(context.Background(), "u1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegister_ReferralFailureDoesNotBlockSignup(t *testing.T) {
	st := newFakeStore()
	refs := &fakeReferrals{err: errors.New("db down")}
	svc := NewService(st, refs, Config{StartingCredits: 1}, nil)
	svc.newCode = codes("AAAA2222")

	_, created, err := svc.Register(context.Background(), "u1", RegisterInput{ReferralCode: "BBBB3333"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Len(t, st.signups, 1)

	// Codes are only honoured at first signup.
	refs.err = nil
	_, created, err = svc.Register(context.Background(), "u1", RegisterInput{ReferralCode: "BBBB3333"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, []string{"u1:BBBB3333"}, refs.calls)
}

func TestRegister_RequiresUserID(t *testing.T) {
	svc := NewService(newFakeStore(), nil, Config{}, nil)
	_, _, err := svc.Register(context.Background(), "", RegisterInput{})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestDisplayName(t *testing.T) {
	st := newFakeStore()
	svc := NewService(st, nil, Config{}, nil)
	svc.newCode = codes("AAAA2222")
	_, _, err := svc.Register(context.Background(), "u1", RegisterInput{DisplayName: "Sam"})
	require.NoError(t, err)

	name, err := svc.DisplayName(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "Sam", name)

	_, err = svc.DisplayName(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}
