package api

import (
	"context"

	"github.com/goran-ethernal/MultiChainIndexor/internal/hub"
	"github.com/goran-ethernal/MultiChainIndexor/internal/manager"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/indexer"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/store"
	"github.com/stretchr/testify/mock"
)

type mockControl struct {
	mock.Mock
}

var _ Control = (*mockControl)(nil)

func (m *mockControl) AddManifest(ctx context.Context, body []byte, baseDir string) (indexer.DeploymentHash, error) {
	args := m.Called(ctx, body, baseDir)
	return args.Get(0).(indexer.DeploymentHash), args.Error(1)
}

func (m *mockControl) CreateIndexer(
	ctx context.Context,
	name string,
	hash indexer.DeploymentHash,
) (indexer.DeploymentLocator, error) {
	args := m.Called(ctx, name, hash)
	return args.Get(0).(indexer.DeploymentLocator), args.Error(1)
}

func (m *mockControl) Resolve(ctx context.Context, name string) (indexer.DeploymentLocator, error) {
	args := m.Called(ctx, name)
	return args.Get(0).(indexer.DeploymentLocator), args.Error(1)
}

func (m *mockControl) Start(ctx context.Context, loc indexer.DeploymentLocator) error {
	return m.Called(ctx, loc).Error(0)
}

func (m *mockControl) Stop(ctx context.Context, loc indexer.DeploymentLocator) error {
	return m.Called(ctx, loc).Error(0)
}

func (m *mockControl) Status(ctx context.Context, loc indexer.DeploymentLocator) (*manager.DeploymentStatus, error) {
	args := m.Called(ctx, loc)
	st, _ := args.Get(0).(*manager.DeploymentStatus)
	return st, args.Error(1)
}

func (m *mockControl) List(ctx context.Context) ([]*manager.DeploymentStatus, error) {
	args := m.Called(ctx)
	list, _ := args.Get(0).([]*manager.DeploymentStatus)
	return list, args.Error(1)
}

func (m *mockControl) Entity(
	ctx context.Context,
	loc indexer.DeploymentLocator,
	entityType, id string,
) (*store.Entity, error) {
	args := m.Called(ctx, loc, entityType, id)
	e, _ := args.Get(0).(*store.Entity)
	return e, args.Error(1)
}

func (m *mockControl) Entities(ctx context.Context, loc indexer.DeploymentLocator, q store.Query) ([]store.Entity, error) {
	args := m.Called(ctx, loc, q)
	list, _ := args.Get(0).([]store.Entity)
	return list, args.Error(1)
}

type staticTopics []hub.TopicInfo

func (t staticTopics) Topics() []hub.TopicInfo { return t }
