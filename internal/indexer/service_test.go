package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slipstream/indexhub/internal/crypto"
	"github.com/slipstream/indexhub/internal/indexer/cardigann"
	"github.com/slipstream/indexhub/internal/indexer/types"
	"github.com/slipstream/indexhub/internal/testutil"
)

const privateDefinition = `
id: privtracker
name: Private Tracker
type: private
links: [https://priv.example/]
caps:
  categorymappings:
    - {id: 1, cat: Movies}
  modes:
    search: [q]
search:
  path: browse.php
  rows:
    selector: tr
  fields:
    title: {selector: td}
    download: {selector: a, attribute: href}
`

type definitionMap map[string]*cardigann.Definition

func (m definitionMap) GetDefinition(id string) (*cardigann.Definition, error) {
	if d, ok := m[id]; ok {
		return d, nil
	}
	return nil, cardigann.ErrDefinitionNotFound
}

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, secrets *crypto.SecretStore) (*Service, *testutil.TestDB) {
	t.Helper()
	tdb := testutil.NewTestDB(t)
	def, err := cardigann.ParseDefinition([]byte(privateDefinition))
	require.NoError(t, err)
	svc := NewService(tdb.Conn, definitionMap{"privtracker": def}, secrets, clockwork.NewFakeClockAt(testNow), tdb.Logger)
	return svc, tdb
}

func TestService_CreateAndGet(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	var changes []Change
	svc.OnChange(func(c Change) { changes = append(changes, c) })

	created, err := svc.Create(ctx, &CreateIndexerInput{
		Name:           "Private",
		Implementation: types.ImplementationCardigann,
		DefinitionID:   "privtracker",
		Settings:       json.RawMessage(`{"username":"alice"}`),
	})
	require.NoError(t, err)
	assert.NotZero(t, created.ID)
	assert.Equal(t, types.ProtocolTorrent, created.Protocol)
	assert.Equal(t, types.PrivacyPrivate, created.Privacy)
	assert.Equal(t, types.DefaultPriority, created.Priority)
	assert.True(t, created.Enabled)
	assert.True(t, created.SupportsSearch)

	got, err := svc.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Private", got.Name)
	assert.Equal(t, "privtracker", got.DefinitionID)
	assert.JSONEq(t, `{"username":"alice"}`, string(got.Settings))
	assert.True(t, testNow.Equal(got.CreatedAt))

	require.Len(t, changes, 1)
	assert.Equal(t, ChangeCreated, changes[0].Kind)

	_, err = svc.Get(ctx, 999)
	assert.ErrorIs(t, err, ErrIndexerNotFound)
}

func TestService_CreateValidation(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	tests := []struct {
		name    string
		input   CreateIndexerInput
		wantErr error
	}{
		{"missing name", CreateIndexerInput{Implementation: types.ImplementationTorznab}, ErrInvalidIndexer},
		{"unknown implementation", CreateIndexerInput{Name: "x", Implementation: "Gazelle"}, ErrInvalidIndexer},
		{"missing definition id", CreateIndexerInput{Name: "x", Implementation: types.ImplementationCardigann}, ErrInvalidIndexer},
		{"unknown definition", CreateIndexerInput{Name: "x", Implementation: types.ImplementationCardigann, DefinitionID: "nope"}, ErrDefinitionNotFound},
		{"invalid settings", CreateIndexerInput{Name: "x", Implementation: types.ImplementationTorznab, Settings: json.RawMessage(`{`)}, ErrInvalidIndexer},
		{"bad protocol", CreateIndexerInput{Name: "x", Implementation: types.ImplementationTorznab, Protocol: "ftp"}, ErrInvalidIndexer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := tt.input
			_, err := svc.Create(ctx, &input)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), err)
		})
	}
}

func TestService_DuplicateName(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	input := &CreateIndexerInput{Name: "Dup", Implementation: types.ImplementationNewznab}
	created, err := svc.Create(ctx, input)
	require.NoError(t, err)
	assert.Equal(t, types.ProtocolUsenet, created.Protocol)

	_, err = svc.Create(ctx, input)
	assert.ErrorIs(t, err, ErrInvalidIndexer)
}

func TestService_UpdateListDelete(t *testing.T) {
	svc, tdb := newTestService(t, nil)
	ctx := context.Background()

	a, err := svc.Create(ctx, &CreateIndexerInput{Name: "A", Implementation: types.ImplementationTorznab, Priority: 10})
	require.NoError(t, err)
	b, err := svc.Create(ctx, &CreateIndexerInput{Name: "B", Implementation: types.ImplementationTorznab, Priority: 5})
	require.NoError(t, err)

	list, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "B", list[0].Name, "ordered by priority")

	disabled := false
	limit := 100
	updated, err := svc.Update(ctx, a.ID, &UpdateIndexerInput{Enabled: &disabled, QueryLimit: &limit})
	require.NoError(t, err)
	assert.False(t, updated.Enabled)
	assert.Equal(t, 100, updated.QueryLimit)
	assert.Equal(t, 10, updated.Priority, "unset fields are kept")

	enabled, err := svc.ListEnabled(ctx)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, b.ID, enabled[0].ID)

	_, err = svc.Update(ctx, 999, &UpdateIndexerInput{})
	assert.ErrorIs(t, err, ErrIndexerNotFound)

	_, err = tdb.Conn.Exec(`INSERT INTO indexer_status (indexer_id, escalation_level) VALUES (?, 1)`, a.ID)
	require.NoError(t, err)
	require.NoError(t, svc.Delete(ctx, a.ID))
	assert.ErrorIs(t, svc.Delete(ctx, a.ID), ErrIndexerNotFound)

	var statusRows int
	require.NoError(t, tdb.Conn.QueryRow(`SELECT COUNT(*) FROM indexer_status`).Scan(&statusRows))
	assert.Zero(t, statusRows)

	ids, err := svc.ListIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{b.ID}, ids)

	n, err := svc.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestService_EncryptsSecretsAtRest(t *testing.T) {
	secrets, err := crypto.NewSecretStore("key", []byte("0123456789abcdef"))
	require.NoError(t, err)
	svc, tdb := newTestService(t, secrets)
	ctx := context.Background()

	created, err := svc.Create(ctx, &CreateIndexerInput{
		Name:           "Secret",
		Implementation: types.ImplementationTorznab,
		Settings:       json.RawMessage(`{"baseUrl":"https://idx.example","apiKey":"topsecret"}`),
	})
	require.NoError(t, err)

	var stored string
	require.NoError(t, tdb.Conn.QueryRow(`SELECT settings FROM indexers WHERE id = ?`, created.ID).Scan(&stored))
	assert.NotContains(t, stored, "topsecret")
	assert.Contains(t, stored, crypto.EncryptedPrefix)

	got, err := svc.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"baseUrl":"https://idx.example","apiKey":"topsecret"}`, string(got.Settings))
}
