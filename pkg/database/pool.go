package database

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// connection lifetimes; serverless invocations reuse the pool across
// warm starts, so the instance survives between requests
const (
	connectionMaxAge = 30 * time.Minute
	idleCutoff       = 10 * time.Minute
)

// DatabasePool hands out a shared DatabaseInterface instance, recreating it
// when the configuration changes, the connection goes stale, or a health
// check fails.
type DatabasePool struct {
	instance DatabaseInterface
	config   DatabaseConfig
	mu       sync.RWMutex
	lastUsed time.Time
}

var (
	globalPool *DatabasePool
	poolMutex  sync.Mutex
)

// GetDatabase returns the shared database connection for the given config.
func GetDatabase(config DatabaseConfig, logger *zap.Logger) DatabaseInterface {
	poolMutex.Lock()
	defer poolMutex.Unlock()

	if globalPool == nil || shouldRecreateConnection(globalPool, config, logger) {
		logger.Info("creating database connection pool")

		if globalPool != nil && globalPool.instance != nil {
			globalPool.instance.Close()
		}

		instance := NewDatabase(config)
		globalPool = &DatabasePool{
			instance: instance,
			config:   config,
			lastUsed: time.Now(),
		}
	} else {
		globalPool.mu.Lock()
		globalPool.lastUsed = time.Now()
		globalPool.mu.Unlock()
	}

	return globalPool.instance
}

func shouldRecreateConnection(pool *DatabasePool, newConfig DatabaseConfig, logger *zap.Logger) bool {
	if pool == nil || pool.instance == nil {
		return true
	}

	if !configEquals(pool.config, newConfig) {
		logger.Info("database configuration changed, recreating connection")
		return true
	}

	pool.mu.RLock()
	expired := time.Since(pool.lastUsed) > connectionMaxAge
	pool.mu.RUnlock()
	if expired {
		logger.Info("database connection expired, recreating")
		return true
	}

	if err := pool.instance.HealthCheck(); err != nil {
		logger.Warn("database health check failed, recreating", zap.Error(err))
		return true
	}

	return false
}

func configEquals(a, b DatabaseConfig) bool {
	return a.UseLocalDB == b.UseLocalDB &&
		a.PostgresDSN == b.PostgresDSN &&
		a.SupabaseURL == b.SupabaseURL &&
		a.SupabaseKey == b.SupabaseKey
}

// CleanupIdleConnections closes the shared connection if it has been idle
// past the cutoff. Intended for periodic background calls.
func CleanupIdleConnections(logger *zap.Logger) {
	poolMutex.Lock()
	defer poolMutex.Unlock()

	if globalPool == nil {
		return
	}

	globalPool.mu.RLock()
	idle := time.Since(globalPool.lastUsed) > idleCutoff
	globalPool.mu.RUnlock()

	if idle {
		logger.Info("closing idle database connection")
		if globalPool.instance != nil {
			globalPool.instance.Close()
		}
		globalPool = nil
	}
}

// GetConnectionStats reports pool state for the health endpoint.
func GetConnectionStats() map[string]interface{} {
	poolMutex.Lock()
	defer poolMutex.Unlock()

	if globalPool == nil {
		return map[string]interface{}{
			"status":    "no_connection",
			"last_used": nil,
		}
	}

	globalPool.mu.RLock()
	lastUsed := globalPool.lastUsed
	globalPool.mu.RUnlock()

	return map[string]interface{}{
		"status":    "connected",
		"last_used": lastUsed.Format(time.RFC3339),
		"age":       time.Since(lastUsed).String(),
		"config": map[string]interface{}{
			"use_local_db": globalPool.config.UseLocalDB,
			"has_postgres": globalPool.config.PostgresDSN != "",
			"has_supabase": globalPool.config.SupabaseURL != "",
		},
	}
}
