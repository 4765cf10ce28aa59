package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/forgelabs/dispatchd/internal/dispatch/types"
	dispatcherrors "github.com/forgelabs/dispatchd/pkg/errors"
)

var (
	jobsBucket  = []byte("jobs.jobs")
	tasksBucket = []byte("jobs.tasks")
)

// boltBackend is CoreDB's durable Backend, an embedded key/value store
// keyed by UUID within two top-level buckets, named after the original
// system's jobs.jobs/jobs.tasks tables.
type boltBackend struct {
	db *bolt.DB
}

// NewBoltBackend opens (creating if necessary) a bbolt database at path
// and ensures the jobs and tasks buckets exist.
func NewBoltBackend(path string) (Backend, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, dispatcherrors.WrapConfigError("storage", "databasePath", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(jobsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(tasksBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &boltBackend{db: db}, nil
}

func (b *boltBackend) CreateJob(_ context.Context, job *types.Job) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(jobsBucket)
		key := []byte(job.JobUUID.String())
		if bucket.Get(key) != nil {
			return dispatcherrors.WrapDispatchError(job.JobUUID.String(), "createJob", dispatcherrors.ErrJobAlreadyExists)
		}
		encoded, err := types.Freeze(job, 1)
		if err != nil {
			return err
		}
		return bucket.Put(key, encoded.Body)
	})
}

func (b *boltBackend) getJobTx(tx *bolt.Tx, jobUUID uuid.UUID) (*types.Job, error) {
	bucket := tx.Bucket(jobsBucket)
	raw := bucket.Get([]byte(jobUUID.String()))
	if raw == nil {
		return nil, dispatcherrors.NewJobNotFoundError(jobUUID.String())
	}
	var job types.Job
	if err := types.Thaw(types.FrozenObject{Kind: "msgpack", Version: 1, Body: raw}, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (b *boltBackend) GetJob(_ context.Context, jobUUID uuid.UUID) (*types.Job, error) {
	var job *types.Job
	err := b.db.View(func(tx *bolt.Tx) error {
		j, err := b.getJobTx(tx, jobUUID)
		job = j
		return err
	})
	return job, err
}

func (b *boltBackend) GetJobs(_ context.Context, jobUUIDs []uuid.UUID) ([]*types.Job, error) {
	out := make([]*types.Job, len(jobUUIDs))
	err := b.db.View(func(tx *bolt.Tx) error {
		for i, id := range jobUUIDs {
			job, err := b.getJobTx(tx, id)
			if err != nil {
				if dispatcherrors.IsNotFoundError(err) {
					continue
				}
				return err
			}
			out[i] = job
		}
		return nil
	})
	return out, err
}

func (b *boltBackend) UpdateJob(_ context.Context, job *types.Job) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		existing, err := b.getJobTx(tx, job.JobUUID)
		if err != nil {
			return err
		}
		if !checkTickGuard(job.Times.Ticks, existing.Times.Ticks) {
			return dispatcherrors.NewPersistenceRaceError("updateJob", job.JobUUID.String())
		}
		cp := *job
		touchTimes(&cp.Times, time.Now(), cp.Status.Final())
		encoded, err := types.Freeze(&cp, 1)
		if err != nil {
			return err
		}
		return tx.Bucket(jobsBucket).Put([]byte(job.JobUUID.String()), encoded.Body)
	})
}

func (b *boltBackend) DeleteJob(_ context.Context, jobUUID uuid.UUID) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(jobsBucket)
		key := []byte(jobUUID.String())
		if bucket.Get(key) == nil {
			return dispatcherrors.NewJobNotFoundError(jobUUID.String())
		}
		return bucket.Delete(key)
	})
}

func (b *boltBackend) ListJobs(_ context.Context) ([]*types.Job, error) {
	var out []*types.Job
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(jobsBucket).ForEach(func(k, v []byte) error {
			var job types.Job
			if err := types.Thaw(types.FrozenObject{Kind: "msgpack", Version: 1, Body: v}, &job); err != nil {
				return err
			}
			out = append(out, &job)
			return nil
		})
	})
	return out, err
}

func (b *boltBackend) getTaskTx(tx *bolt.Tx, taskUUID uuid.UUID) (*types.Task, error) {
	bucket := tx.Bucket(tasksBucket)
	raw := bucket.Get([]byte(taskUUID.String()))
	if raw == nil {
		return nil, dispatcherrors.WrapTaskError(taskUUID.String(), "getTask", dispatcherrors.ErrJobNotFound)
	}
	var task types.Task
	if err := types.Thaw(types.FrozenObject{Kind: "msgpack", Version: 1, Body: raw}, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (b *boltBackend) CreateTask(_ context.Context, task *types.Task) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(tasksBucket)
		key := []byte(task.TaskUUID.String())
		if bucket.Get(key) != nil {
			return dispatcherrors.WrapTaskError(task.TaskUUID.String(), "createTask", dispatcherrors.ErrJobAlreadyExists)
		}
		encoded, err := types.Freeze(task, 1)
		if err != nil {
			return err
		}
		return bucket.Put(key, encoded.Body)
	})
}

func (b *boltBackend) GetTask(_ context.Context, taskUUID uuid.UUID) (*types.Task, error) {
	var task *types.Task
	err := b.db.View(func(tx *bolt.Tx) error {
		tk, err := b.getTaskTx(tx, taskUUID)
		task = tk
		return err
	})
	return task, err
}

func (b *boltBackend) GetTasksForJob(_ context.Context, jobUUID uuid.UUID) ([]*types.Task, error) {
	var out []*types.Task
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(tasksBucket).ForEach(func(k, v []byte) error {
			var task types.Task
			if err := types.Thaw(types.FrozenObject{Kind: "msgpack", Version: 1, Body: v}, &task); err != nil {
				return err
			}
			if task.JobUUID == jobUUID {
				out = append(out, &task)
			}
			return nil
		})
	})
	return out, err
}

func (b *boltBackend) UpdateTask(_ context.Context, task *types.Task) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		existing, err := b.getTaskTx(tx, task.TaskUUID)
		if err != nil {
			return err
		}
		if !checkTickGuard(task.Times.Ticks, existing.Times.Ticks) {
			return dispatcherrors.NewPersistenceRaceError("updateTask", task.TaskUUID.String())
		}
		cp := *task
		if cp.TaskData.IsZero() {
			cp.TaskData = existing.TaskData
		}
		touchTimes(&cp.Times, time.Now(), cp.Status.Final())
		encoded, err := types.Freeze(&cp, 1)
		if err != nil {
			return err
		}
		return tx.Bucket(tasksBucket).Put([]byte(task.TaskUUID.String()), encoded.Body)
	})
}

func (b *boltBackend) DeleteTasksForJob(_ context.Context, jobUUID uuid.UUID) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(tasksBucket)
		var toDelete [][]byte
		err := bucket.ForEach(func(k, v []byte) error {
			var task types.Task
			if err := types.Thaw(types.FrozenObject{Kind: "msgpack", Version: 1, Body: v}, &task); err != nil {
				return err
			}
			if task.JobUUID == jobUUID {
				key := append([]byte(nil), k...)
				toDelete = append(toDelete, key)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, key := range toDelete {
			if err := bucket.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *boltBackend) Close() error {
	return b.db.Close()
}
