package store

import (
	"bytes"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm/clause"

	"github.com/storeflow/storeflow/pkg/model"
)

// Field names a filterable StoreMessage column.
type Field string

const (
	FieldID            Field = "id"
	FieldDataType      Field = "data_type"
	FieldDeliveryType  Field = "delivery_type"
	FieldMessageStatus Field = "message_status"
	FieldRetryCount    Field = "retry_count"
	FieldCreatedAt     Field = "created_at"
	FieldProcessedAt   Field = "processed_at"
	FieldNextAttemptAt Field = "next_attempt_at"
	FieldClaimedBy     Field = "claimed_by"
	FieldClaimedUntil  Field = "claimed_until"
)

// Predicate is a filter over StoreMessage records. Match evaluates it in
// memory; Expression renders it as a SQL condition.
type Predicate interface {
	Match(msg *model.StoreMessage) bool
	Expression() clause.Expression
}

// truth is a SQL three-valued logic result. Comparisons against NULL are
// unknown, and NOT of unknown stays unknown, so Match agrees with the rows a
// database returns for the same Expression.
type truth int

const (
	truthFalse truth = iota
	truthTrue
	truthUnknown
)

func truthOf(b bool) truth {
	if b {
		return truthTrue
	}
	return truthFalse
}

type evaluator interface {
	eval(msg *model.StoreMessage) truth
}

func evaluate(pred Predicate, msg *model.StoreMessage) truth {
	if e, ok := pred.(evaluator); ok {
		return e.eval(msg)
	}
	return truthOf(pred.Match(msg))
}

type comparison struct {
	field Field
	op    string
	value interface{}
}

func Eq(field Field, value interface{}) Predicate {
	return comparison{field: field, op: "=", value: normalize(value)}
}

func Gt(field Field, value interface{}) Predicate {
	return comparison{field: field, op: ">", value: normalize(value)}
}

func Lte(field Field, value interface{}) Predicate {
	return comparison{field: field, op: "<=", value: normalize(value)}
}

func (c comparison) Match(msg *model.StoreMessage) bool {
	return c.eval(msg) == truthTrue
}

func (c comparison) eval(msg *model.StoreMessage) truth {
	current := fieldValue(msg, c.field)
	if current == nil || c.value == nil {
		return truthUnknown
	}
	cmp, ok := compare(current, c.value)
	if !ok {
		return truthFalse
	}
	switch c.op {
	case "=":
		return truthOf(cmp == 0)
	case ">":
		return truthOf(cmp > 0)
	case "<=":
		return truthOf(cmp <= 0)
	}
	return truthFalse
}

func (c comparison) Expression() clause.Expression {
	column := clause.Column{Name: string(c.field)}
	switch c.op {
	case ">":
		return clause.Gt{Column: column, Value: c.value}
	case "<=":
		return clause.Lte{Column: column, Value: c.value}
	default:
		return clause.Eq{Column: column, Value: c.value}
	}
}

type in struct {
	field  Field
	values []interface{}
}

// In matches records whose field equals any of values. An empty list matches nothing.
func In(field Field, values ...interface{}) Predicate {
	normalized := make([]interface{}, 0, len(values))
	for _, v := range values {
		normalized = append(normalized, normalize(v))
	}
	return in{field: field, values: normalized}
}

func (p in) Match(msg *model.StoreMessage) bool {
	return p.eval(msg) == truthTrue
}

func (p in) eval(msg *model.StoreMessage) truth {
	if len(p.values) == 0 {
		return truthFalse
	}
	current := fieldValue(msg, p.field)
	if current == nil {
		return truthUnknown
	}
	for _, v := range p.values {
		if cmp, ok := compare(current, v); ok && cmp == 0 {
			return truthTrue
		}
	}
	return truthFalse
}

func (p in) Expression() clause.Expression {
	if len(p.values) == 0 {
		return clause.Expr{SQL: "1 = 0"}
	}
	return clause.IN{Column: clause.Column{Name: string(p.field)}, Values: p.values}
}

type isNull struct {
	field Field
}

func IsNull(field Field) Predicate {
	return isNull{field: field}
}

func (p isNull) Match(msg *model.StoreMessage) bool {
	return fieldValue(msg, p.field) == nil
}

func (p isNull) eval(msg *model.StoreMessage) truth {
	return truthOf(p.Match(msg))
}

func (p isNull) Expression() clause.Expression {
	return clause.Expr{SQL: "? IS NULL", Vars: []interface{}{clause.Column{Name: string(p.field)}}}
}

type logical struct {
	op    string
	preds []Predicate
}

// And matches when every predicate matches. And() matches everything.
func And(preds ...Predicate) Predicate {
	return logical{op: "AND", preds: preds}
}

// Or matches when any predicate matches. Or() matches nothing.
func Or(preds ...Predicate) Predicate {
	return logical{op: "OR", preds: preds}
}

func (p logical) Match(msg *model.StoreMessage) bool {
	return p.eval(msg) == truthTrue
}

func (p logical) eval(msg *model.StoreMessage) truth {
	// decisive is the value that settles the result on its own
	decisive, result := truthFalse, truthTrue
	if p.op == "OR" {
		decisive, result = truthTrue, truthFalse
	}
	for _, pred := range p.preds {
		switch evaluate(pred, msg) {
		case decisive:
			return decisive
		case truthUnknown:
			result = truthUnknown
		}
	}
	return result
}

func (p logical) Expression() clause.Expression {
	if len(p.preds) == 0 {
		if p.op == "AND" {
			return clause.Expr{SQL: "1 = 1"}
		}
		return clause.Expr{SQL: "1 = 0"}
	}
	exprs := make([]clause.Expression, 0, len(p.preds))
	for _, pred := range p.preds {
		exprs = append(exprs, pred.Expression())
	}
	return group{op: p.op, exprs: exprs}
}

type not struct {
	pred Predicate
}

func Not(pred Predicate) Predicate {
	return not{pred: pred}
}

func (p not) Match(msg *model.StoreMessage) bool {
	return p.eval(msg) == truthTrue
}

func (p not) eval(msg *model.StoreMessage) truth {
	switch evaluate(p.pred, msg) {
	case truthTrue:
		return truthFalse
	case truthFalse:
		return truthTrue
	}
	return truthUnknown
}

func (p not) Expression() clause.Expression {
	return negation{expr: p.pred.Expression()}
}

// group renders its members joined by op inside parentheses.
type group struct {
	op    string
	exprs []clause.Expression
}

func (g group) Build(builder clause.Builder) {
	builder.WriteByte('(')
	for i, expr := range g.exprs {
		if i > 0 {
			builder.WriteString(" " + g.op + " ")
		}
		expr.Build(builder)
	}
	builder.WriteByte(')')
}

type negation struct {
	expr clause.Expression
}

func (n negation) Build(builder clause.Builder) {
	builder.WriteString("NOT (")
	n.expr.Build(builder)
	builder.WriteByte(')')
}

// After selects records strictly after the given position in creation order.
func After(createdAt time.Time, id uuid.UUID) Predicate {
	return Or(
		Gt(FieldCreatedAt, createdAt),
		And(Eq(FieldCreatedAt, createdAt), Gt(FieldID, id)),
	)
}

func fieldValue(msg *model.StoreMessage, field Field) interface{} {
	switch field {
	case FieldID:
		return msg.ID
	case FieldDataType:
		return msg.DataType
	case FieldDeliveryType:
		return string(msg.DeliveryType)
	case FieldMessageStatus:
		return string(msg.MessageStatus)
	case FieldRetryCount:
		return int64(msg.RetryCount)
	case FieldCreatedAt:
		return msg.CreatedAt
	case FieldProcessedAt:
		if msg.ProcessedAt == nil {
			return nil
		}
		return *msg.ProcessedAt
	case FieldNextAttemptAt:
		return msg.NextAttemptAt
	case FieldClaimedBy:
		return msg.ClaimedBy
	case FieldClaimedUntil:
		if msg.ClaimedUntil == nil {
			return nil
		}
		return *msg.ClaimedUntil
	}
	return nil
}

// normalize maps caller values onto the types fieldValue produces so the
// same predicate compares equally in memory and in SQL.
func normalize(v interface{}) interface{} {
	switch value := v.(type) {
	case model.DeliveryType:
		return string(value)
	case model.MessageStatus:
		return string(value)
	case int:
		return int64(value)
	case int32:
		return int64(value)
	case time.Time:
		return Timestamp(value)
	case *time.Time:
		if value == nil {
			return nil
		}
		return Timestamp(*value)
	}
	return v
}

func compare(a, b interface{}) (int, bool) {
	switch left := a.(type) {
	case string:
		right, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(left, right), true
	case int64:
		right, ok := b.(int64)
		if !ok {
			return 0, false
		}
		switch {
		case left < right:
			return -1, true
		case left > right:
			return 1, true
		}
		return 0, true
	case time.Time:
		right, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		return left.Compare(right), true
	case uuid.UUID:
		right, ok := b.(uuid.UUID)
		if !ok {
			return 0, false
		}
		return bytes.Compare(left[:], right[:]), true
	}
	return 0, false
}
