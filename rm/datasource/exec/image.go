package exec

import (
	"context"

	"github.com/pingcap-incubator/tinyrm/rm/datasource/meta"
	"github.com/pingcap-incubator/tinyrm/rm/datasource/schema"
	"github.com/pingcap-incubator/tinyrm/rm/datasource/sqlrecognizer"
)

// ImageCapturer captures the rows one statement affects. BeforeImage runs before the batch executes; AfterImage
// runs after it and re-reads the rows of the statement's before image. Both return an empty snapshot, not an
// error, when no row matches.
type ImageCapturer interface {
	BeforeImage(ctx context.Context, stmt sqlrecognizer.Recognizer) (*schema.TableSnapshot, error)
	AfterImage(ctx context.Context, stmt sqlrecognizer.Recognizer, before *schema.TableSnapshot) (*schema.TableSnapshot, error)
}

// NewCapturers returns the capturers for the statement kinds that produce undo logs, reading through q.
func NewCapturers(q meta.Querier, metas *meta.Cache) map[sqlrecognizer.SQLType]ImageCapturer {
	return map[sqlrecognizer.SQLType]ImageCapturer{
		sqlrecognizer.SQLTypeUpdate: NewUpdateImageCapturer(q, metas),
		sqlrecognizer.SQLTypeDelete: NewDeleteImageCapturer(q, metas),
	}
}

type predicateCapturer struct {
	q     meta.Querier
	metas *meta.Cache
}

// BeforeImage selects every row matching the statement's WHERE clause, under the alias the statement gives its table.
func (c *predicateCapturer) BeforeImage(ctx context.Context, stmt sqlrecognizer.Recognizer) (*schema.TableSnapshot, error) {
	tm, err := c.metas.Get(ctx, c.q, stmt.TableName())
	if err != nil {
		return nil, err
	}
	return meta.SelectRowsAs(ctx, c.q, tm, stmt.TableAlias(), stmt.WhereCondition())
}

// UpdateImageCapturer captures images of UPDATE statements. The after image re-selects the before image's rows by
// primary key, since the update may have changed the columns its WHERE clause tests.
type UpdateImageCapturer struct {
	predicateCapturer
}

func NewUpdateImageCapturer(q meta.Querier, metas *meta.Cache) *UpdateImageCapturer {
	return &UpdateImageCapturer{predicateCapturer{q: q, metas: metas}}
}

func (c *UpdateImageCapturer) AfterImage(ctx context.Context, stmt sqlrecognizer.Recognizer, before *schema.TableSnapshot) (*schema.TableSnapshot, error) {
	if before.Empty() {
		return schema.NewTableSnapshot(imageTable(stmt, before)), nil
	}
	tm, err := c.metas.Get(ctx, c.q, before.TableName)
	if err != nil {
		return nil, err
	}
	return meta.SelectRowsByPrimaryKey(ctx, c.q, tm, before.Rows)
}

// DeleteImageCapturer captures images of DELETE statements. Deleted rows have no after state.
type DeleteImageCapturer struct {
	predicateCapturer
}

func NewDeleteImageCapturer(q meta.Querier, metas *meta.Cache) *DeleteImageCapturer {
	return &DeleteImageCapturer{predicateCapturer{q: q, metas: metas}}
}

func (c *DeleteImageCapturer) AfterImage(ctx context.Context, stmt sqlrecognizer.Recognizer, before *schema.TableSnapshot) (*schema.TableSnapshot, error) {
	return schema.NewTableSnapshot(imageTable(stmt, before)), nil
}

func imageTable(stmt sqlrecognizer.Recognizer, before *schema.TableSnapshot) string {
	if before != nil && before.TableName != "" {
		return before.TableName
	}
	return stmt.TableName()
}
