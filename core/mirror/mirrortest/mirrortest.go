// Package mirrortest opens isolated in-memory mirrors for tests.
package mirrortest

import (
	"fmt"
	"testing"
	"time"

	"github.com/Pindano/chamagov/core/mirror"
	"github.com/Pindano/chamagov/core/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// NewStore returns a store backed by a private shared-cache memory database.
func NewStore(t testing.TB) *mirror.Store {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	s, err := mirror.Open(mirror.Config{Driver: mirror.DriverSQLite, DSN: dsn}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// Fixture is a published chama with one admin member holding a wallet.
type Fixture struct {
	Chama  *mirror.Chama
	Member *mirror.Member
}

const (
	Governor = "0x00000000000000000000000000000000000000a1"
	Token    = "0x00000000000000000000000000000000000000b2"
	Wallet   = "0x1100000000000000000000000000000000000011"
)

func Seed(t testing.TB, s *mirror.Store) Fixture {
	t.Helper()
	ctx := t.Context()
	c := &mirror.Chama{ID: uuid.NewString(), Name: "Umoja", TreasuryTotal: decimal.Zero}
	require.NoError(t, s.CreateChama(ctx, c))
	require.NoError(t, s.PublishChama(ctx, c.ID, Governor, Token))
	m := &mirror.Member{
		ID:            uuid.NewString(),
		ChamaID:       c.ID,
		Name:          "Wanjiku",
		Role:          types.RoleAdmin,
		VotingWeight:  1,
		WalletAddress: Wallet,
		Active:        true,
	}
	require.NoError(t, s.AddMember(ctx, m))
	c, err := s.GetChama(ctx, c.ID)
	require.NoError(t, err)
	return Fixture{Chama: c, Member: m}
}

// NewProposal inserts a proposal of the given type created by the fixture's
// member, with a voting window around now.
func NewProposal(t testing.TB, s *mirror.Store, f Fixture, typ types.ProposalType) *mirror.Proposal {
	t.Helper()
	p := &mirror.Proposal{
		ID:          uuid.NewString(),
		ChamaID:     f.Chama.ID,
		CreatorID:   f.Member.ID,
		Type:        typ,
		Title:       "test " + string(typ),
		Description: "test proposal",
		ContentID:   "bafytest",
		Actions:     "{}",
		VotingStart: time.Now().Add(-time.Hour),
		VotingEnd:   time.Now().Add(24 * time.Hour),
	}
	require.NoError(t, s.CreateProposal(t.Context(), p))
	return p
}
