package catalog

import (
	"context"
	"fmt"
	"time"

	"tapecat/internal/database"
	"tapecat/internal/model"
)

const poolColumns = "PoolId,Name,NumVols,MaxVols,UseOnce,Recycle,AutoPrune," +
	"VolRetention,VolUseDuration,MaxVolJobs,MaxVolFiles,MaxVolBytes,PoolType," +
	"LabelFormat,RecyclePoolId,ScratchPoolId,NextPoolId,ActionOnPurge"

func scanPool(cols []string) *model.Pool {
	return &model.Pool{
		PoolID:         parseInt64(cols[0]),
		Name:           cols[1],
		NumVols:        parseInt64(cols[2]),
		MaxVols:        parseInt64(cols[3]),
		UseOnce:        parseBool(cols[4]),
		Recycle:        parseBool(cols[5]),
		AutoPrune:      parseBool(cols[6]),
		VolRetention:   time.Duration(parseInt64(cols[7])) * time.Second,
		VolUseDuration: time.Duration(parseInt64(cols[8])) * time.Second,
		MaxVolJobs:     parseInt64(cols[9]),
		MaxVolFiles:    parseInt64(cols[10]),
		MaxVolBytes:    parseInt64(cols[11]),
		PoolType:       cols[12],
		LabelFormat:    cols[13],
		RecyclePoolID:  parseInt64(cols[14]),
		ScratchPoolID:  parseInt64(cols[15]),
		NextPoolID:     parseInt64(cols[16]),
		ActionOnPurge:  parseInt(cols[17]),
	}
}

// CreatePoolRecord creates a pool or adopts the id of an existing pool
// with the same name (find-or-create).
func (c *Catalog) CreatePoolRecord(ctx context.Context, pool *model.Pool) error {
	const opName = "CreatePoolRecord"
	existing, err := c.GetPoolByName(ctx, pool.Name)
	if err == nil {
		pool.PoolID = existing.PoolID
		return nil
	}
	if err != database.ErrNotFound {
		return err
	}

	query := fmt.Sprintf(
		"INSERT INTO Pool (Name,NumVols,MaxVols,UseOnce,Recycle,AutoPrune,VolRetention,"+
			"VolUseDuration,MaxVolJobs,MaxVolFiles,MaxVolBytes,PoolType,LabelFormat,"+
			"RecyclePoolId,ScratchPoolId,NextPoolId,ActionOnPurge) "+
			"VALUES (%s,%d,%d,%d,%d,%d,%d,%d,%d,%d,%d,%s,%s,%d,%d,%d,%d)",
		c.quote(pool.Name), pool.NumVols, pool.MaxVols, boolInt(pool.UseOnce),
		boolInt(pool.Recycle), boolInt(pool.AutoPrune), seconds(pool.VolRetention),
		seconds(pool.VolUseDuration), pool.MaxVolJobs, pool.MaxVolFiles, pool.MaxVolBytes,
		c.quote(pool.PoolType), c.quote(pool.LabelFormat),
		pool.RecyclePoolID, pool.ScratchPoolID, pool.NextPoolID, pool.ActionOnPurge)
	id, err := c.conn.InsertReturningID(ctx, c.op(opName), query, "Pool")
	if err != nil {
		return statementError(opName, err)
	}
	pool.PoolID = id
	return nil
}

// GetPoolByName fetches a pool by its unique name.
func (c *Catalog) GetPoolByName(ctx context.Context, name string) (*model.Pool, error) {
	const opName = "GetPoolByName"
	query := fmt.Sprintf("SELECT %s FROM Pool WHERE Name=%s", poolColumns, c.quote(name))
	cols, found, err := c.selectOne(ctx, opName, query)
	if err != nil {
		return nil, statementError(opName, err)
	}
	if !found {
		return nil, database.ErrNotFound
	}
	return scanPool(cols), nil
}

// GetPoolRecord fetches a pool by id.
func (c *Catalog) GetPoolRecord(ctx context.Context, poolID int64) (*model.Pool, error) {
	const opName = "GetPoolRecord"
	query := fmt.Sprintf("SELECT %s FROM Pool WHERE PoolId=%d", poolColumns, poolID)
	cols, found, err := c.selectOne(ctx, opName, query)
	if err != nil {
		return nil, statementError(opName, err)
	}
	if !found {
		return nil, database.ErrNotFound
	}
	return scanPool(cols), nil
}

// UpdatePoolRecord rewrites a pool's mutable fields.
func (c *Catalog) UpdatePoolRecord(ctx context.Context, pool *model.Pool) error {
	const opName = "UpdatePoolRecord"
	query := fmt.Sprintf(
		"UPDATE Pool SET NumVols=%d,MaxVols=%d,UseOnce=%d,Recycle=%d,AutoPrune=%d,"+
			"VolRetention=%d,VolUseDuration=%d,MaxVolJobs=%d,MaxVolFiles=%d,MaxVolBytes=%d,"+
			"PoolType=%s,LabelFormat=%s,RecyclePoolId=%d,ScratchPoolId=%d,NextPoolId=%d,"+
			"ActionOnPurge=%d WHERE PoolId=%d",
		pool.NumVols, pool.MaxVols, boolInt(pool.UseOnce), boolInt(pool.Recycle),
		boolInt(pool.AutoPrune), seconds(pool.VolRetention), seconds(pool.VolUseDuration),
		pool.MaxVolJobs, pool.MaxVolFiles, pool.MaxVolBytes,
		c.quote(pool.PoolType), c.quote(pool.LabelFormat),
		pool.RecyclePoolID, pool.ScratchPoolID, pool.NextPoolID,
		pool.ActionOnPurge, pool.PoolID)
	if err := c.conn.Exec(ctx, c.op(opName), query); err != nil {
		return statementError(opName, err)
	}
	return nil
}

// UpdatePoolNumVols recomputes the pool's volume count from Media.
func (c *Catalog) UpdatePoolNumVols(ctx context.Context, poolID int64) error {
	const opName = "UpdatePoolNumVols"
	query := fmt.Sprintf(
		"UPDATE Pool SET NumVols=(SELECT COUNT(*) FROM Media WHERE PoolId=%d) WHERE PoolId=%d",
		poolID, poolID)
	if err := c.conn.Exec(ctx, c.op(opName), query); err != nil {
		return statementError(opName, err)
	}
	return nil
}

// ListPools streams pools ordered by name, subject to the ACL.
func (c *Catalog) ListPools(ctx context.Context, handler func(*model.Pool) (stop bool, err error)) (int64, error) {
	const opName = "ListPools"
	query := "SELECT " + poolColumns + " FROM Pool"
	if pred := c.acl.Predicate("Pool", "Name"); pred != "" {
		query += " WHERE " + pred
	}
	query += " ORDER BY Name"
	n, err := c.conn.Query(ctx, c.op(opName), query, func(cols []string) (bool, error) {
		return handler(scanPool(cols))
	})
	if err != nil {
		return n, statementError(opName, err)
	}
	return n, nil
}
