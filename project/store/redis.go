package store

import (
	"context"
	"encoding/json"
	"fmt"

	backend "github.com/redis/go-redis/v9"
)

const historyLen = 20

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Redis keeps the snapshot under <prefix>state and the last few saves,
// newest first, in the list <prefix>history.
type Redis struct {
	client *backend.Client
	prefix string
}

func NewRedis(opts RedisOptions) *Redis {
	client := backend.NewClient(&backend.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewRedisFromClient(client, opts.Prefix)
}

func NewRedisFromClient(client *backend.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (self *Redis) key() string {
	return self.prefix + "state"
}

func (self *Redis) historyKey() string {
	return self.prefix + "history"
}

func (self *Redis) Load(ctx context.Context) (*Snapshot, error) {
	val, err := self.client.Get(ctx, self.key()).Result()
	if err != nil {
		if err == backend.Nil {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: redis get: %w", err)
	}
	snap := &Snapshot{}
	if err := json.Unmarshal([]byte(val), snap); err != nil {
		return nil, fmt.Errorf("store: redis unmarshal: %w", err)
	}
	if err := check(snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// History returns up to n previous saves, newest first.
func (self *Redis) History(ctx context.Context, n int) ([]*Snapshot, error) {
	vals, err := self.client.LRange(ctx, self.historyKey(), 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("store: redis history: %w", err)
	}
	out := make([]*Snapshot, 0, len(vals))
	for _, v := range vals {
		snap := &Snapshot{}
		if err := json.Unmarshal([]byte(v), snap); err != nil {
			return nil, fmt.Errorf("store: redis unmarshal: %w", err)
		}
		out = append(out, snap)
	}
	return out, nil
}

func (self *Redis) Save(ctx context.Context, snap *Snapshot) error {
	if err := check(snap); err != nil {
		return err
	}
	data, err := json.Marshal(stamp(snap))
	if err != nil {
		return err
	}

	pipe := self.client.TxPipeline()
	pipe.Set(ctx, self.key(), data, 0)
	pipe.LPush(ctx, self.historyKey(), data)
	pipe.LTrim(ctx, self.historyKey(), 0, historyLen-1)
	if _, err = pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: redis save: %w", err)
	}
	return nil
}

func (self *Redis) Close() error {
	return self.client.Close()
}
