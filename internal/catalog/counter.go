package catalog

import (
	"context"
	"fmt"

	"tapecat/internal/database"
	"tapecat/internal/model"
)

// CreateCounterRecord registers a named wraparound sequence. If it
// already exists the stored record wins and is returned in ctr.
func (c *Catalog) CreateCounterRecord(ctx context.Context, ctr *model.Counter) error {
	const opName = "CreateCounterRecord"
	existing, err := c.GetCounterRecord(ctx, ctr.Counter)
	if err == nil {
		*ctr = *existing
		return nil
	}
	if err != database.ErrNotFound {
		return err
	}

	query := fmt.Sprintf(
		"INSERT INTO Counters (Counter,MinValue,MaxValue,CurrentValue,WrapCounter) VALUES (%s,%d,%d,%d,%s)",
		c.quote(ctr.Counter), ctr.MinValue, ctr.MaxValue, ctr.CurrentValue, c.quote(ctr.WrapCounter))
	if err := c.conn.Exec(ctx, c.op(opName), query); err != nil {
		return statementError(opName, err)
	}
	return nil
}

// GetCounterRecord fetches a counter by name.
func (c *Catalog) GetCounterRecord(ctx context.Context, name string) (*model.Counter, error) {
	const opName = "GetCounterRecord"
	query := fmt.Sprintf(
		"SELECT Counter,MinValue,MaxValue,CurrentValue,WrapCounter FROM Counters WHERE Counter=%s",
		c.quote(name))
	cols, found, err := c.selectOne(ctx, opName, query)
	if err != nil {
		return nil, statementError(opName, err)
	}
	if !found {
		return nil, database.ErrNotFound
	}
	return &model.Counter{
		Counter:      cols[0],
		MinValue:     parseInt64(cols[1]),
		MaxValue:     parseInt64(cols[2]),
		CurrentValue: parseInt64(cols[3]),
		WrapCounter:  cols[4],
	}, nil
}

// UpdateCounterRecord rewrites a counter's stored state.
func (c *Catalog) UpdateCounterRecord(ctx context.Context, ctr *model.Counter) error {
	const opName = "UpdateCounterRecord"
	query := fmt.Sprintf(
		"UPDATE Counters SET MinValue=%d,MaxValue=%d,CurrentValue=%d,WrapCounter=%s WHERE Counter=%s",
		ctr.MinValue, ctr.MaxValue, ctr.CurrentValue, c.quote(ctr.WrapCounter), c.quote(ctr.Counter))
	if err := c.conn.Exec(ctx, c.op(opName), query); err != nil {
		return statementError(opName, err)
	}
	return nil
}

// NextCounterValue advances a counter and returns the new value,
// wrapping to MinValue past MaxValue. The read and write share one
// connection-lock window.
func (c *Catalog) NextCounterValue(ctx context.Context, name string) (int64, error) {
	op := c.op("NextCounterValue")
	c.conn.Acquire(op)
	defer c.conn.Release(op)

	ctr, err := c.GetCounterRecord(ctx, name)
	if err != nil {
		return 0, err
	}
	next := ctr.CurrentValue + 1
	if ctr.MaxValue > 0 && next > ctr.MaxValue {
		next = ctr.MinValue
	}
	ctr.CurrentValue = next
	if err := c.UpdateCounterRecord(ctx, ctr); err != nil {
		return 0, err
	}
	return next, nil
}
