package reportstore_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"github.com/andrej220/rdeploy/pkg/report"
	"github.com/andrej220/rdeploy/pkg/reportstore"
)

func sampleReport() *report.Report {
	r := report.New(uuid.New(), "shop", "10.0.0.5:22")
	r.Append(report.StepResult{StepName: "install", Policy: "abort", Attempts: 1})
	r.Append(report.StepResult{StepName: "migrate", Policy: "continue", ExitCode: 1, Failure: report.FailureExit, Stderr: "migration already applied", Attempts: 1})
	r.Finalize(false)
	return r
}

func toDoc(t *testing.T, v any) bson.D {
	t.Helper()
	raw, err := bson.Marshal(v)
	require.NoError(t, err)
	var d bson.D
	require.NoError(t, bson.Unmarshal(raw, &d))
	return d
}

func TestStore(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("save upserts", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}))
		err := reportstore.New(mt.Coll).Save(context.Background(), sampleReport())
		assert.NoError(mt, err)
	})

	mt.Run("save without overwrite rejects duplicates", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateWriteErrorsResponse(mtest.WriteError{Index: 0, Code: 11000, Message: "duplicate key error"}))
		err := reportstore.New(mt.Coll).Save(context.Background(), sampleReport(), reportstore.SaveOptions{Overwrite: false})
		assert.ErrorIs(mt, err, reportstore.ErrExists)
	})

	mt.Run("get decodes", func(mt *mtest.T) {
		want := sampleReport()
		ns := mt.Coll.Database().Name() + "." + mt.Coll.Name()
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch, toDoc(mt.T, want)))

		got, err := reportstore.New(mt.Coll).Get(context.Background(), want.RunID)
		require.NoError(mt, err)
		assert.Equal(mt, want.RunID, got.RunID)
		assert.Equal(mt, report.StatusPartial, got.Status)
		require.Len(mt, got.Results, 2)
		assert.Equal(mt, "migration already applied", got.Results[1].Stderr)
	})

	mt.Run("get missing", func(mt *mtest.T) {
		ns := mt.Coll.Database().Name() + "." + mt.Coll.Name()
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch))
		_, err := reportstore.New(mt.Coll).Get(context.Background(), uuid.New())
		assert.ErrorIs(mt, err, reportstore.ErrNotFound)
	})

	mt.Run("list by plan", func(mt *mtest.T) {
		ns := mt.Coll.Database().Name() + "." + mt.Coll.Name()
		a, b := sampleReport(), sampleReport()
		mt.AddMockResponses(
			mtest.CreateCursorResponse(1, ns, mtest.FirstBatch, toDoc(mt.T, a)),
			mtest.CreateCursorResponse(0, ns, mtest.NextBatch, toDoc(mt.T, b)),
		)
		got, err := reportstore.New(mt.Coll).ListByPlan(context.Background(), "shop", 10)
		require.NoError(mt, err)
		require.Len(mt, got, 2)
		assert.Equal(mt, a.RunID, got[0].RunID)
		assert.Equal(mt, b.RunID, got[1].RunID)
	})

	mt.Run("nil report", func(mt *mtest.T) {
		assert.Error(mt, reportstore.New(mt.Coll).Save(context.Background(), nil))
	})
}
