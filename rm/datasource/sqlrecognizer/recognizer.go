package sqlrecognizer

import (
	"strings"

	"github.com/pingcap/errors"
	"github.com/pingcap/parser"
	"github.com/pingcap/parser/ast"
	"github.com/pingcap/parser/format"
	_ "github.com/pingcap/tidb/types/parser_driver" // value expressions for the parser
)

// SQLType classifies a statement. Only Update and Delete produce undo logs.
type SQLType int

const (
	SQLTypeOther SQLType = iota
	SQLTypeSelect
	SQLTypeInsert
	SQLTypeUpdate
	SQLTypeDelete
)

func (t SQLType) String() string {
	switch t {
	case SQLTypeSelect:
		return "SELECT"
	case SQLTypeInsert:
		return "INSERT"
	case SQLTypeUpdate:
		return "UPDATE"
	case SQLTypeDelete:
		return "DELETE"
	}
	return "OTHER"
}

// Recognizer is one classified statement of a batch.
type Recognizer interface {
	SQLType() SQLType
	// TableName is the single target table. Empty for statements the recognizer does not inspect.
	TableName() string
	// TableAlias is the alias the statement gives its target table, or "".
	TableAlias() string
	// WhereCondition is the restored WHERE clause without the keyword, or "" when the statement has none.
	WhereCondition() string
	// OriginalSQL is the statement text to execute. For UPDATE and DELETE it is restored from the same parse tree as
	// WhereCondition, so the rows it changes are the rows the WHERE condition selects.
	OriginalSQL() string
}

type recognizer struct {
	sqlType SQLType
	table   string
	alias   string
	where   string
	sql     string
}

func (r *recognizer) SQLType() SQLType       { return r.sqlType }
func (r *recognizer) TableName() string      { return r.table }
func (r *recognizer) TableAlias() string     { return r.alias }
func (r *recognizer) WhereCondition() string { return r.where }
func (r *recognizer) OriginalSQL() string    { return r.sql }

// New builds a recognizer from already known parts.
func New(sqlType SQLType, table, where, sql string) Recognizer {
	return &recognizer{sqlType: sqlType, table: table, where: where, sql: sql}
}

// Parse splits a batch into its statements and classifies each of them.
func Parse(sql string) ([]Recognizer, error) {
	stmts, _, err := parser.New().Parse(sql, "", "")
	if err != nil {
		return nil, errors.Annotatef(err, "parse %q", sql)
	}
	result := make([]Recognizer, 0, len(stmts))
	for _, stmt := range stmts {
		r, err := recognize(stmt)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, nil
}

func recognize(stmt ast.StmtNode) (Recognizer, error) {
	text, err := statementText(stmt)
	if err != nil {
		return nil, err
	}
	r := &recognizer{sql: text}
	switch n := stmt.(type) {
	case *ast.UpdateStmt:
		r.sqlType = SQLTypeUpdate
		if r.table, r.alias, err = singleTable(n.TableRefs, n.MultipleTable); err != nil {
			return nil, errors.Annotatef(err, "update %q", text)
		}
		if err = r.restoreTarget(n, n.Where); err != nil {
			return nil, err
		}
	case *ast.DeleteStmt:
		r.sqlType = SQLTypeDelete
		if r.table, r.alias, err = singleTable(n.TableRefs, n.IsMultiTable); err != nil {
			return nil, errors.Annotatef(err, "delete %q", text)
		}
		if err = r.restoreTarget(n, n.Where); err != nil {
			return nil, err
		}
	case *ast.InsertStmt:
		r.sqlType = SQLTypeInsert
	case *ast.SelectStmt:
		r.sqlType = SQLTypeSelect
	default:
		r.sqlType = SQLTypeOther
	}
	return r, nil
}

// restoreTarget sets the WHERE condition and the statement to execute from one parse tree.
func (r *recognizer) restoreTarget(stmt ast.StmtNode, where ast.ExprNode) error {
	var err error
	if r.where, err = restore(where); err != nil {
		return err
	}
	r.sql, err = restore(stmt)
	return err
}

func singleTable(refs *ast.TableRefsClause, multi bool) (string, string, error) {
	if multi || refs == nil || refs.TableRefs == nil || refs.TableRefs.Right != nil {
		return "", "", errors.New("multi-table statements are not supported")
	}
	source, ok := refs.TableRefs.Left.(*ast.TableSource)
	if !ok {
		return "", "", errors.New("unexpected table reference")
	}
	name, ok := source.Source.(*ast.TableName)
	if !ok {
		return "", "", errors.New("sub-query targets are not supported")
	}
	if name.Schema.O != "" {
		return "", "", errors.Errorf("schema-qualified target %s.%s is not supported", name.Schema.O, name.Name.O)
	}
	return name.Name.O, source.AsName.O, nil
}

func restore(node ast.Node) (string, error) {
	if node == nil {
		return "", nil
	}
	var sb strings.Builder
	if err := node.Restore(format.NewRestoreCtx(format.DefaultRestoreFlags, &sb)); err != nil {
		return "", errors.Trace(err)
	}
	return sb.String(), nil
}

func statementText(stmt ast.StmtNode) (string, error) {
	text := strings.TrimSpace(stmt.Text())
	text = strings.TrimSpace(strings.TrimSuffix(text, ";"))
	if text != "" {
		return text, nil
	}
	return restore(stmt)
}
