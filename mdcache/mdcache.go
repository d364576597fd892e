package mdcache

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/taskpool"
	apierrors "github.com/cubefs/mdcache/errors"
	"github.com/cubefs/mdcache/journal"
	"github.com/cubefs/mdcache/metrics"
	"github.com/cubefs/mdcache/proto"
)

const (
	defaultMaxOpenInodeRetries = 8
	defaultResolverPoolSize    = 16
	defaultStripeUnit          = 1 << 22
)

type Config struct {
	Rank                proto.Rank `json:"rank"`
	MetadataPool        int64      `json:"metadata_pool"`
	DefaultFilePool     int64      `json:"default_file_pool"`
	DefaultLogPool      int64      `json:"default_log_pool"`
	StripeUnit          uint32     `json:"stripe_unit"`
	StripeCount         uint32     `json:"stripe_count"`
	ObjectSize          uint32     `json:"object_size"`
	MaxOpenInodeRetries int        `json:"max_open_inode_retries"`
	ResolverPoolSize    int        `json:"resolver_pool_size"`
}

// ObjectStore is the backing object store the cache fetches from and flushes to.
type ObjectStore interface {
	FetchBacktrace(ctx context.Context, ino proto.Ino, pool int64) ([]byte, error)
	StoreBacktrace(ctx context.Context, bt *proto.Backtrace) error
	FetchDirFrag(ctx context.Context, df proto.DirFrag) (*proto.DirFragObject, error)
	StoreDirFrag(ctx context.Context, obj *proto.DirFragObject) error
	FetchInode(ctx context.Context, ino proto.Ino) (*proto.InodeInfo, error)
	StoreInode(ctx context.Context, info *proto.InodeInfo) error
	PurgeInode(ctx context.Context, ino proto.Ino, pools []int64) error
}

// RequestHandler drives a client request through its operation.
type RequestHandler interface {
	DispatchClientRequest(ctx context.Context, mdr *MDRequest) error
}

type MDCache struct {
	cfg      Config
	store    ObjectStore
	journal  journal.Journaler
	locker   Locker
	handler  RequestHandler
	taskPool taskpool.TaskPool

	// object table
	lock      sync.Mutex
	inodeMap  map[proto.VIno]*Inode
	dirfrags  map[proto.DirFrag]*Dir
	touchSeq  uint64
	root      *Inode
	myin      *Inode
	strays    [proto.NumStray]*Inode
	strayIdx  int
	undefIno  map[proto.Ino]*Inode
	lastApply uint64

	// request ledger
	requestLock  sync.Mutex
	activeReqs   map[proto.ReqID]*MDRequest
	shuttingDown bool
	drained      chan struct{}
	lastTid      uint64

	openInodeMutex sync.Mutex
	openingInodes  map[proto.Ino]*openInodeInfo

	renameDirMutex sync.Mutex
	segmentMutex   sync.Mutex

	lastCapID uint64

	defaultFileLayout proto.FileLayout
	defaultLogLayout  proto.FileLayout
}

func NewMDCache(cfg *Config, store ObjectStore, j journal.Journaler, locker Locker) *MDCache {
	initConfig(cfg)
	if locker == nil {
		locker = NewLocalLocker()
	}
	c := &MDCache{
		cfg:           *cfg,
		store:         store,
		journal:       j,
		locker:        locker,
		taskPool:      taskpool.New(cfg.ResolverPoolSize, cfg.ResolverPoolSize),
		inodeMap:      make(map[proto.VIno]*Inode),
		dirfrags:      make(map[proto.DirFrag]*Dir),
		undefIno:      make(map[proto.Ino]*Inode),
		activeReqs:    make(map[proto.ReqID]*MDRequest),
		openingInodes: make(map[proto.Ino]*openInodeInfo),
	}
	c.InitLayouts()
	return c
}

func (c *MDCache) SetRequestHandler(h RequestHandler) {
	c.handler = h
}

func (c *MDCache) Rank() proto.Rank {
	return c.cfg.Rank
}

// GetNewCapID returns a capability id never handed out before by this process.
func (c *MDCache) GetNewCapID() proto.CapID {
	return atomic.AddUint64(&c.lastCapID, 1)
}

// HandleMessage is the entry of peer cache coherence messages, which this
// cache does not take part in.
func (c *MDCache) HandleMessage(ctx context.Context, msg interface{}) error {
	trace.SpanFromContextSafe(ctx).Warnf("unexpected cache message %T", msg)
	return apierrors.ErrIllegalState
}

func (c *MDCache) IsReadonly() bool {
	return false
}

// Shutdown refuses new requests and waits for the in-flight ones.
func (c *MDCache) Shutdown(ctx context.Context) error {
	c.requestLock.Lock()
	c.shuttingDown = true
	if len(c.activeReqs) == 0 {
		c.requestLock.Unlock()
		return nil
	}
	if c.drained == nil {
		c.drained = make(chan struct{})
	}
	drained := c.drained
	c.requestLock.Unlock()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the resolver workers. Call it after Shutdown.
func (c *MDCache) Close() {
	c.taskPool.Close()
}

func (c *MDCache) LockLogSegments() {
	c.segmentMutex.Lock()
}

func (c *MDCache) UnlockLogSegments() {
	c.segmentMutex.Unlock()
}

type Stats struct {
	Inodes      int `json:"inodes"`
	DirFrags    int `json:"dirfrags"`
	DirtyInodes int `json:"dirty_inodes"`
	DirtyDirs   int `json:"dirty_dirs"`
	Requests    int `json:"requests"`
	Opening     int `json:"opening"`
	ReplayUndef int `json:"replay_undef"`
}

func (c *MDCache) Stats() Stats {
	st := Stats{}
	c.lock.Lock()
	st.Inodes = len(c.inodeMap)
	st.DirFrags = len(c.dirfrags)
	for _, in := range c.inodeMap {
		if in.IsDirty() {
			st.DirtyInodes++
		}
	}
	for _, dir := range c.dirfrags {
		if dir.IsDirty() {
			st.DirtyDirs++
		}
	}
	st.ReplayUndef = len(c.undefIno)
	c.lock.Unlock()

	c.requestLock.Lock()
	st.Requests = len(c.activeReqs)
	c.requestLock.Unlock()

	c.openInodeMutex.Lock()
	st.Opening = len(c.openingInodes)
	c.openInodeMutex.Unlock()

	metrics.CachedObjects.WithLabelValues("inode").Set(float64(st.Inodes))
	metrics.CachedObjects.WithLabelValues("dirfrag").Set(float64(st.DirFrags))
	return st
}

func (c *MDCache) fault(ctx context.Context, kind string, format string, args ...interface{}) {
	trace.SpanFromContextSafe(ctx).Errorf(format, args...)
	metrics.CacheFaults.WithLabelValues(kind).Inc()
}

func initConfig(cfg *Config) {
	if cfg.MaxOpenInodeRetries <= 0 {
		cfg.MaxOpenInodeRetries = defaultMaxOpenInodeRetries
	}
	if cfg.ResolverPoolSize <= 0 {
		cfg.ResolverPoolSize = defaultResolverPoolSize
	}
	if cfg.StripeUnit == 0 {
		cfg.StripeUnit = defaultStripeUnit
	}
	if cfg.StripeCount == 0 {
		cfg.StripeCount = 1
	}
	if cfg.ObjectSize == 0 {
		cfg.ObjectSize = cfg.StripeUnit
	}
}
