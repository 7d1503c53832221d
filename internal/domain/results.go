package domain

// ResultColumn describes one column of a serialized result set.
type ResultColumn struct {
	Name     string `msgpack:"name" json:"name"`
	Type     string `msgpack:"type" json:"type"`
	Nullable bool   `msgpack:"nullable" json:"nullable"`
}

// ResultSet is the self-describing payload stored in the results backend
// for one successful query. Rows are positional tuples matching Schema.
type ResultSet struct {
	Schema          []ResultColumn `msgpack:"schema" json:"schema"`
	Rows            [][]any        `msgpack:"rows" json:"rows"`
	RowCount        int            `msgpack:"row_count" json:"row_count"`
	Truncated       bool           `msgpack:"truncated" json:"truncated"`
	ExpandedColumns []ResultColumn `msgpack:"expanded_columns,omitempty" json:"expanded_columns,omitempty"`
}

// Page is a row-based window over a decoded ResultSet, as returned by the
// query API's results operation.
type Page struct {
	Schema          []ResultColumn `json:"schema"`
	Rows            [][]any        `json:"rows"`
	FromRow         int            `json:"from_row"`
	ToRow           int            `json:"to_row"`
	TotalRows       int            `json:"total_rows"`
	Truncated       bool           `json:"truncated"`
	ExpandedColumns []ResultColumn `json:"expanded_columns,omitempty"`
}
