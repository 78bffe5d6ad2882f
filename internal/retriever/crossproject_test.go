package retriever

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramd/engramd/internal/memerr"
	"github.com/engramd/engramd/internal/models"
	"github.com/engramd/engramd/internal/store"
)

func seedTwoProjects(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	p1 := unitFixture("aaaaaaaa-0000-0000-0000-000000000001", "p1", models.UnitConversation, []string{"secret"}, 0)
	p1.Title = "secret-P1"
	p2 := unitFixture("aaaaaaaa-0000-0000-0000-000000000002", "p2", models.UnitConversation, []string{"secret"}, time.Hour)
	p2.Title = "secret-P2"
	seedUnit(t, st, p1)
	seedUnit(t, st, p2)
	return st
}

func keywordOnlyRetriever(st store.Store, perms Permissions) Retriever {
	gw := &fakeGateway{embedErr: memerr.Ef(memerr.CodeProviderUnavailable, "no embeddings in test")}
	return New(testConfig(), gw, st, &fakeVector{}, perms, nil)
}

func TestCrossProjectSearchesAllAllowed(t *testing.T) {
	r := keywordOnlyRetriever(seedTwoProjects(t), nil)

	result, err := r.CrossProject(context.Background(), &CrossProjectRequest{
		QueryText:  "secret",
		ProjectIDs: []string{"p1", "p2"},
	})
	require.NoError(t, err)
	require.Len(t, result.Results, 2)
	assert.ElementsMatch(t, []string{"p1", "p2"}, result.ProjectsSearched)
	assert.Equal(t, 1, result.ProjectStats["p1"].Results)
	assert.Equal(t, 1, result.ProjectStats["p2"].Results)
}

func TestCrossProjectDropsDeniedProjects(t *testing.T) {
	r := keywordOnlyRetriever(seedTwoProjects(t), Allowlist{"p1": true})

	result, err := r.CrossProject(context.Background(), &CrossProjectRequest{
		QueryText:  "secret",
		ProjectIDs: []string{"p1", "p2"},
	})
	require.NoError(t, err)
	require.Len(t, result.Results, 1)
	assert.Equal(t, "p1", result.Results[0].Unit.ProjectID)
	assert.Equal(t, []string{"p1"}, result.ProjectsSearched)
}

func TestCrossProjectMergeStrategies(t *testing.T) {
	st := seedTwoProjects(t)
	r := keywordOnlyRetriever(st, nil)

	// time: the p1 unit is newer.
	result, err := r.CrossProject(context.Background(), &CrossProjectRequest{
		QueryText:     "secret",
		ProjectIDs:    []string{"p2", "p1"},
		MergeStrategy: models.MergeTime,
	})
	require.NoError(t, err)
	require.Len(t, result.Results, 2)
	assert.Equal(t, "p1", result.Results[0].Unit.ProjectID)

	// round_robin: one per project in request order.
	result, err = r.CrossProject(context.Background(), &CrossProjectRequest{
		QueryText:     "secret",
		ProjectIDs:    []string{"p2", "p1"},
		MergeStrategy: models.MergeRoundRobin,
	})
	require.NoError(t, err)
	require.Len(t, result.Results, 2)
	assert.Equal(t, "p2", result.Results[0].Unit.ProjectID)
	assert.Equal(t, "p1", result.Results[1].Unit.ProjectID)
}

func TestCrossProjectValidation(t *testing.T) {
	r := keywordOnlyRetriever(seedTwoProjects(t), nil)

	_, err := r.CrossProject(context.Background(), &CrossProjectRequest{QueryText: ""})
	assert.Equal(t, memerr.CodeValidation, memerr.CodeOf(err))

	_, err = r.CrossProject(context.Background(), &CrossProjectRequest{QueryText: "x"})
	assert.Equal(t, memerr.CodeValidation, memerr.CodeOf(err))

	_, err = r.CrossProject(context.Background(), &CrossProjectRequest{
		QueryText:     "x",
		ProjectIDs:    []string{"p1"},
		MergeStrategy: "popularity",
	})
	assert.Equal(t, memerr.CodeValidation, memerr.CodeOf(err))
}
