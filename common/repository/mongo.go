package repository

import (
	"context"
	"errors"
	"time"

	"github.com/Sumit189/cronhook/common/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Mongo stores schedules and runs in two collections. Multi-document writes use
// transactions, so the deployment must be a replica set.
type Mongo struct {
	client    *mongo.Client
	schedules *mongo.Collection
	runs      *mongo.Collection
}

var _ Store = (*Mongo)(nil)

func NewMongo(client *mongo.Client, database string) *Mongo {
	db := client.Database(database)
	return &Mongo{
		client:    client,
		schedules: db.Collection("schedules"),
		runs:      db.Collection("runs"),
	}
}

func (m *Mongo) EnsureIndexes(ctx context.Context) error {
	_, err := m.schedules.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "next_run_at", Value: 1}}},
		{Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "created_at", Value: -1}}},
	})
	if err != nil {
		return err
	}
	_, err = m.runs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "schedule_id", Value: 1}, {Key: "run_at", Value: 1}, {Key: "attempt", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "updated_at", Value: 1}}},
		{Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "status", Value: 1}}},
	})
	return err
}

func (m *Mongo) CreateSchedule(ctx context.Context, s models.Schedule) error {
	_, err := m.schedules.InsertOne(ctx, s)
	return storageErr("create schedule", err)
}

func (m *Mongo) GetSchedule(ctx context.Context, id string) (models.Schedule, error) {
	var s models.Schedule
	err := m.schedules.FindOne(ctx, bson.M{"_id": id}).Decode(&s)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return s, ErrNotFound
	}
	return s, storageErr("get schedule", err)
}

func findAll[T any](ctx context.Context, coll *mongo.Collection, op string, filter any, opts *options.FindOptions) ([]T, error) {
	cursor, err := coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer cursor.Close(ctx)

	var out []T
	for cursor.Next(ctx) {
		var doc T
		if err := cursor.Decode(&doc); err != nil {
			return nil, storageErr(op, err)
		}
		out = append(out, doc)
	}
	return out, storageErr(op, cursor.Err())
}

func (m *Mongo) ListSchedules(ctx context.Context, tenantID string, limit int) ([]models.Schedule, error) {
	filter := bson.M{"tenant_id": tenantID, "status": bson.M{"$ne": models.ScheduleDeleted}}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetLimit(int64(limit))
	return findAll[models.Schedule](ctx, m.schedules, "list schedules", filter, opts)
}

func (m *Mongo) UpdateDefinition(ctx context.Context, s models.Schedule) error {
	res, err := m.schedules.UpdateOne(ctx,
		bson.M{"_id": s.ID, "status": bson.M{"$ne": models.ScheduleDeleted}},
		bson.M{"$set": bson.M{
			"name":       s.Name,
			"trigger":    s.Trigger,
			"target":     s.Target,
			"retry":      s.Retry,
			"updated_at": time.Now().UTC(),
		}})
	if err != nil {
		return storageErr("update schedule", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *Mongo) SetStatus(ctx context.Context, id string, status models.ScheduleStatus, nextRunAt *time.Time) error {
	res, err := m.schedules.UpdateOne(ctx,
		bson.M{"_id": id, "status": bson.M{"$ne": models.ScheduleDeleted}},
		bson.M{"$set": bson.M{"status": status, "next_run_at": nextRunAt, "updated_at": time.Now().UTC()}})
	if err != nil {
		return storageErr("set schedule status", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *Mongo) FetchDue(ctx context.Context, now time.Time, limit int) ([]models.Schedule, error) {
	filter := bson.M{"status": models.ScheduleActive, "next_run_at": bson.M{"$lte": now}}
	opts := options.Find().SetSort(bson.D{{Key: "next_run_at", Value: 1}}).SetLimit(int64(limit))
	return findAll[models.Schedule](ctx, m.schedules, "fetch due", filter, opts)
}

func (m *Mongo) withTransaction(ctx context.Context, fn func(sc mongo.SessionContext) error) error {
	session, err := m.client.StartSession()
	if err != nil {
		return storageErr("start session", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	})
	return err
}

func (m *Mongo) insertRun(ctx context.Context, run models.Run) error {
	_, err := m.runs.InsertOne(ctx, run)
	if mongo.IsDuplicateKeyError(err) {
		return ErrStaleOccurrence
	}
	return err
}

func (m *Mongo) CommitOccurrence(ctx context.Context, occ Occurrence, dispatch DispatchFunc) error {
	status := models.ScheduleActive
	if occ.NextRunAt == nil {
		status = models.ScheduleCompleted
	}
	return m.withTransaction(ctx, func(sc mongo.SessionContext) error {
		res, err := m.schedules.UpdateOne(sc,
			bson.M{"_id": occ.ScheduleID, "status": models.ScheduleActive, "next_run_at": occ.Expected},
			bson.M{"$set": bson.M{
				"next_run_at": occ.NextRunAt,
				"last_run_at": occ.Run.RunAt,
				"status":      status,
				"updated_at":  time.Now().UTC(),
			}})
		if err != nil {
			return storageErr("advance schedule", err)
		}
		if res.ModifiedCount != 1 {
			return ErrStaleOccurrence
		}
		if err := m.insertRun(sc, occ.Run); err != nil {
			return storageErr("insert run", err)
		}
		return dispatch(sc, occ.Run)
	})
}

func (m *Mongo) TryLockSchedule(ctx context.Context, id, owner string, until, now time.Time) (bool, error) {
	res, err := m.schedules.UpdateOne(ctx,
		bson.M{"_id": id, "$or": []bson.M{
			{"locked_until": bson.M{"$exists": false}},
			{"locked_until": nil},
			{"locked_until": bson.M{"$lte": now}},
		}},
		bson.M{"$set": bson.M{"locked_by": owner, "locked_until": until}})
	if err != nil {
		return false, storageErr("lock schedule", err)
	}
	return res.ModifiedCount == 1, nil
}

func (m *Mongo) UnlockSchedule(ctx context.Context, id, owner string) error {
	_, err := m.schedules.UpdateOne(ctx,
		bson.M{"_id": id, "locked_by": owner},
		bson.M{"$unset": bson.M{"locked_by": "", "locked_until": ""}})
	return storageErr("unlock schedule", err)
}

func (m *Mongo) GetRun(ctx context.Context, id string) (models.Run, error) {
	var run models.Run
	err := m.runs.FindOne(ctx, bson.M{"_id": id}).Decode(&run)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return run, ErrNotFound
	}
	return run, storageErr("get run", err)
}

func (m *Mongo) ListRuns(ctx context.Context, scheduleID string, limit int) ([]models.Run, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "run_at", Value: -1}, {Key: "attempt", Value: -1}}).
		SetLimit(int64(limit))
	return findAll[models.Run](ctx, m.runs, "list runs", bson.M{"schedule_id": scheduleID}, opts)
}

func (m *Mongo) ListRunsByStatus(ctx context.Context, tenantID string, status models.RunStatus, limit int) ([]models.Run, error) {
	filter := bson.M{"status": status}
	if tenantID != "" {
		filter["tenant_id"] = tenantID
	}
	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}}).SetLimit(int64(limit))
	return findAll[models.Run](ctx, m.runs, "list runs by status", filter, opts)
}

func (m *Mongo) MarkRunning(ctx context.Context, runID, workerID string, now time.Time) (bool, error) {
	res, err := m.runs.UpdateOne(ctx,
		bson.M{"_id": runID, "status": models.RunQueued},
		bson.M{"$set": bson.M{"status": models.RunRunning, "worker_id": workerID, "updated_at": now}})
	if err != nil {
		return false, storageErr("mark running", err)
	}
	return res.ModifiedCount == 1, nil
}

var openStatuses = []models.RunStatus{models.RunQueued, models.RunRunning}

func (m *Mongo) ApplyOutcome(ctx context.Context, runID string, resolve ResolveFunc, dispatch DispatchFunc) (Resolution, error) {
	var out Resolution
	err := m.withTransaction(ctx, func(sc mongo.SessionContext) error {
		var run models.Run
		if err := m.runs.FindOne(sc, bson.M{"_id": runID}).Decode(&run); err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				return ErrNotFound
			}
			return storageErr("load run", err)
		}
		res, err := resolve(run)
		if err != nil {
			return err
		}
		out = res
		if res.Noop {
			return nil
		}

		upd := res.Run
		result, err := m.runs.UpdateOne(sc,
			bson.M{"_id": upd.ID, "status": bson.M{"$in": openStatuses}},
			bson.M{"$set": bson.M{
				"status":           upd.Status,
				"worker_id":        upd.WorkerID,
				"duration_ms":      upd.DurationMs,
				"response_summary": upd.ResponseSummary,
				"error_message":    upd.ErrorMessage,
				"finished_at":      upd.FinishedAt,
				"updated_at":       upd.UpdatedAt,
			}})
		if err != nil {
			return storageErr("update run", err)
		}
		if result.ModifiedCount == 0 {
			out = Resolution{Noop: true, Run: run}
			return nil
		}
		if res.Retry == nil {
			return nil
		}
		if err := m.insertRun(sc, *res.Retry); err != nil {
			if errors.Is(err, ErrStaleOccurrence) {
				return err
			}
			return storageErr("insert retry", err)
		}
		return dispatch(sc, *res.Retry)
	})
	if errors.Is(err, ErrStaleOccurrence) {
		return Resolution{Noop: true}, nil
	}
	if err != nil {
		return Resolution{}, err
	}
	return out, nil
}

func (m *Mongo) ListStaleRuns(ctx context.Context, before time.Time, limit int) ([]models.Run, error) {
	filter := bson.M{
		"status":      bson.M{"$in": openStatuses},
		"updated_at":  bson.M{"$lt": before},
		"dispatch_at": bson.M{"$lt": before},
	}
	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: 1}}).SetLimit(int64(limit))
	return findAll[models.Run](ctx, m.runs, "list stale runs", filter, opts)
}

func (m *Mongo) TouchRun(ctx context.Context, runID string, now time.Time) error {
	_, err := m.runs.UpdateOne(ctx,
		bson.M{"_id": runID, "status": bson.M{"$in": openStatuses}},
		bson.M{"$set": bson.M{"updated_at": now}})
	return storageErr("touch run", err)
}
