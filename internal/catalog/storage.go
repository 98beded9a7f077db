package catalog

import (
	"context"
	"fmt"

	"tapecat/internal/database"
	"tapecat/internal/model"
)

// CreateStorageRecord creates a storage resource or adopts the id of
// an existing one with the same name. An existing row's AutoChanger
// flag is refreshed if it changed.
func (c *Catalog) CreateStorageRecord(ctx context.Context, st *model.Storage) error {
	const opName = "CreateStorageRecord"
	existing, err := c.GetStorageByName(ctx, st.Name)
	if err == nil {
		st.StorageID = existing.StorageID
		if existing.AutoChanger != st.AutoChanger {
			query := fmt.Sprintf("UPDATE Storage SET AutoChanger=%d WHERE StorageId=%d",
				boolInt(st.AutoChanger), st.StorageID)
			if err := c.conn.Exec(ctx, c.op(opName), query); err != nil {
				return statementError(opName, err)
			}
		}
		return nil
	}
	if err != database.ErrNotFound {
		return err
	}

	query := fmt.Sprintf("INSERT INTO Storage (Name,AutoChanger) VALUES (%s,%d)",
		c.quote(st.Name), boolInt(st.AutoChanger))
	id, err := c.conn.InsertReturningID(ctx, c.op(opName), query, "Storage")
	if err != nil {
		return statementError(opName, err)
	}
	st.StorageID = id
	return nil
}

// GetStorageByName fetches a storage resource by its unique name.
func (c *Catalog) GetStorageByName(ctx context.Context, name string) (*model.Storage, error) {
	const opName = "GetStorageByName"
	query := fmt.Sprintf("SELECT StorageId,Name,AutoChanger FROM Storage WHERE Name=%s", c.quote(name))
	cols, found, err := c.selectOne(ctx, opName, query)
	if err != nil {
		return nil, statementError(opName, err)
	}
	if !found {
		return nil, database.ErrNotFound
	}
	return &model.Storage{
		StorageID:   parseInt64(cols[0]),
		Name:        cols[1],
		AutoChanger: parseBool(cols[2]),
	}, nil
}

// CreateMediaTypeRecord registers a media type name (find-or-create).
func (c *Catalog) CreateMediaTypeRecord(ctx context.Context, mediaType string, readOnly bool) (int64, error) {
	const opName = "CreateMediaTypeRecord"
	query := fmt.Sprintf("SELECT MediaTypeId FROM MediaType WHERE MediaType=%s", c.quote(mediaType))
	cols, found, err := c.selectOne(ctx, opName, query)
	if err != nil {
		return 0, statementError(opName, err)
	}
	if found {
		return parseInt64(cols[0]), nil
	}
	insert := fmt.Sprintf("INSERT INTO MediaType (MediaType,ReadOnly) VALUES (%s,%d)",
		c.quote(mediaType), boolInt(readOnly))
	id, err := c.conn.InsertReturningID(ctx, c.op(opName), insert, "MediaType")
	if err != nil {
		return 0, statementError(opName, err)
	}
	return id, nil
}
