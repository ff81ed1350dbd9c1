package config

import (
	"symphony/pkg/artifact"
	"symphony/pkg/event"
	"symphony/pkg/store"

	"go.uber.org/zap"
)

// OpenStore 按 store.backend 构造存储
func (c Config) OpenStore(logger *zap.Logger) (store.Store, error) {
	if c.Store.Backend == "memory" {
		return store.NewMemoryStore(event.Default()), nil
	}
	etcd, err := store.NewEtcdManager(c.Store.Etcd.Endpoints, c.Store.Etcd.DialTimeout, logger,
		store.WithKeyPrefix(c.Store.Prefix))
	if err != nil {
		return nil, err
	}
	return etcd, nil
}

// OpenArtifacts 未启用时返回 nil
func (c Config) OpenArtifacts() (artifact.Store, error) {
	if !c.Artifact.Enabled {
		return nil, nil
	}
	s, err := artifact.NewMinioStore(artifact.Config{
		Endpoint:  c.Artifact.Endpoint,
		AccessKey: c.Artifact.AccessKey,
		SecretKey: c.Artifact.SecretKey,
		Bucket:    c.Artifact.Bucket,
		UseSSL:    c.Artifact.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}
