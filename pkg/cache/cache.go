package cache

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Cache is a weighted LRU cache whose entries optionally expire.
//
// Items are evicted least recently used first whenever the total weight
// exceeds the budget. Expired items are never returned and are dropped
// lazily on access.
type Cache interface {
	SetVerbose(verbose bool)
	GetWeight() int
	GetBudget() int
	Len() int

	// Insert adds or replaces the item for key
	Insert(key string, value interface{}, weight int)

	// InsertWithTTL is Insert with an expiry. A non-positive ttl never expires.
	InsertWithTTL(key string, value interface{}, weight int, ttl time.Duration)

	Retrieve(key string) (interface{}, bool)
	Delete(key string) bool
	Clear()
}

type cacheNode struct {
	next      *cacheNode
	prev      *cacheNode
	key       string
	value     interface{}
	weight    int
	expiresAt time.Time
}

func (n *cacheNode) isExpired(at time.Time) bool {
	return !n.expiresAt.IsZero() && !at.Before(n.expiresAt)
}

type cache struct {
	log *logrus.Entry

	mu      sync.Mutex
	head    *cacheNode
	tail    *cacheNode
	lookup  map[string]*cacheNode
	weight  int
	budget  int
	verbose bool

	now func() time.Time
}

// NewCache initializes and returns a new cache with a given weight budget.
func NewCache(budget int) Cache {
	return &cache{
		log:    logrus.StandardLogger().WithField("type", "cache"),
		lookup: make(map[string]*cacheNode),
		budget: budget,
		now:    time.Now,
	}
}

func (c *cache) SetVerbose(verbose bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.verbose = verbose
}

func (c *cache) GetWeight() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.weight
}

func (c *cache) GetBudget() int {
	return c.budget
}

func (c *cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.lookup)
}

func (c *cache) Insert(key string, value interface{}, weight int) {
	c.InsertWithTTL(key, value, weight, 0)
}

func (c *cache) InsertWithTTL(key string, value interface{}, weight int, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.lookup[key]; ok {
		c.unlink(existing)
	}

	node := &cacheNode{
		key:    key,
		value:  value,
		weight: weight,
	}
	if ttl > 0 {
		node.expiresAt = c.now().Add(ttl)
	}

	c.pushFront(node)

	for c.weight > c.budget && c.tail != nil {
		evicted := c.tail
		c.unlink(evicted)

		if c.verbose {
			c.log.WithFields(logrus.Fields{
				"key":          evicted.key,
				"weight":       evicted.weight,
				"spare_weight": c.budget - c.weight,
			}).Debug("evicted cache entry")
		}
	}
}

func (c *cache) Retrieve(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	node, ok := c.lookup[key]
	if !ok {
		return nil, false
	}

	if node.isExpired(c.now()) {
		c.unlink(node)
		return nil, false
	}

	if node != c.head {
		c.unlink(node)
		c.pushFront(node)
	}

	return node.value, true
}

func (c *cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	node, ok := c.lookup[key]
	if !ok {
		return false
	}
	c.unlink(node)
	return true
}

func (c *cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.head = nil
	c.tail = nil
	c.lookup = make(map[string]*cacheNode)
	c.weight = 0
}

func (c *cache) pushFront(node *cacheNode) {
	node.prev = nil
	node.next = c.head
	if c.head != nil {
		c.head.prev = node
	}
	c.head = node
	if c.tail == nil {
		c.tail = node
	}

	c.lookup[node.key] = node
	c.weight += node.weight
}

func (c *cache) unlink(node *cacheNode) {
	if node.prev != nil {
		node.prev.next = node.next
	} else {
		c.head = node.next
	}
	if node.next != nil {
		node.next.prev = node.prev
	} else {
		c.tail = node.prev
	}
	node.next = nil
	node.prev = nil

	delete(c.lookup, node.key)
	c.weight -= node.weight
}
