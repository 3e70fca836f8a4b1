package firedata

// StructuredQuery builds the structuredQuery object of a query watch
// target. The database document root is injected as the query parent by the
// session manager, not here.
type StructuredQuery struct {
	collectionId   string
	allDescendants bool
	filters        []map[string]any
	orders         []map[string]any
	limit          int
}

func NewStructuredQuery(collectionId string) *StructuredQuery {
	return &StructuredQuery{
		collectionId: collectionId,
	}
}

// AllDescendants widens the query from the immediate collection to all
// descendant collections of the same id.
func (self *StructuredQuery) AllDescendants() *StructuredQuery {
	self.allDescendants = true
	return self
}

// Where adds a field filter. op is a Firestore operator name such as
// EQUAL, LESS_THAN, GREATER_THAN_OR_EQUAL, ARRAY_CONTAINS or IN. Multiple
// filters compose under an AND composite filter.
func (self *StructuredQuery) Where(fieldPath string, op string, value any) *StructuredQuery {
	self.filters = append(self.filters, map[string]any{
		"fieldFilter": map[string]any{
			"field": map[string]any{"fieldPath": fieldPath},
			"op":    op,
			"value": encodeValue(value),
		},
	})
	return self
}

// OrderBy adds an ordering clause.
func (self *StructuredQuery) OrderBy(fieldPath string, descending bool) *StructuredQuery {
	direction := "ASCENDING"
	if descending {
		direction = "DESCENDING"
	}
	self.orders = append(self.orders, map[string]any{
		"field":     map[string]any{"fieldPath": fieldPath},
		"direction": direction,
	})
	return self
}

// Limit caps the result set.
func (self *StructuredQuery) Limit(limit int) *StructuredQuery {
	self.limit = limit
	return self
}

// ToJSON serializes the structuredQuery object.
func (self *StructuredQuery) ToJSON() map[string]any {
	query := map[string]any{
		"from": []any{
			map[string]any{
				"collectionId":   self.collectionId,
				"allDescendants": self.allDescendants,
			},
		},
	}
	switch len(self.filters) {
	case 0:
	case 1:
		query["where"] = self.filters[0]
	default:
		filters := make([]any, 0, len(self.filters))
		for _, filter := range self.filters {
			filters = append(filters, filter)
		}
		query["where"] = map[string]any{
			"compositeFilter": map[string]any{
				"op":      "AND",
				"filters": filters,
			},
		}
	}
	if 0 < len(self.orders) {
		orders := make([]any, 0, len(self.orders))
		for _, order := range self.orders {
			orders = append(orders, order)
		}
		query["orderBy"] = orders
	}
	if 0 < self.limit {
		query["limit"] = self.limit
	}
	return query
}
