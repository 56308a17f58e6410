// Package update decides whether remote resources need re-fetching and merges
// newly fetched data with previously retrieved data. The update check
// compares a server-reported signal against the local download log; the merge
// absorbs upstream corrections by preferring the newer copy of a row.
package update

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var mergeRowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stat_merge_rows_total",
	Help: "Rows processed by merge, by outcome",
}, []string{"outcome"}) // "replaced", "added"

// Row is one tabular record, column name to value.
type Row map[string]string

// keySeparator joins key-column values into a single map key. The unit
// separator does not occur in the upstream's CSV output.
const keySeparator = "\x1f"

// Merge combines previously retrieved rows with newly fetched ones,
// deduplicating on the tuple of keyColumns. When an existing row and a new
// row share a key, the new row wins; that is how upstream data revisions are
// absorbed without manual reconciliation. Existing rows keep their positions,
// rows with unseen keys append in the order the new data presents them.
func Merge(existing, fresh []Row, keyColumns []string) []Row {
	combined := make([]Row, 0, len(existing)+len(fresh))
	index := make(map[string]int, len(existing))

	for _, row := range existing {
		key := rowKey(row, keyColumns)
		if pos, ok := index[key]; ok {
			// Duplicate already present in the existing data, last one wins.
			combined[pos] = row
			continue
		}
		index[key] = len(combined)
		combined = append(combined, row)
	}

	for _, row := range fresh {
		key := rowKey(row, keyColumns)
		if pos, ok := index[key]; ok {
			mergeRowsTotal.WithLabelValues("replaced").Inc()
			combined[pos] = row
			continue
		}
		mergeRowsTotal.WithLabelValues("added").Inc()
		index[key] = len(combined)
		combined = append(combined, row)
	}

	return combined
}

func rowKey(row Row, keyColumns []string) string {
	parts := make([]string, len(keyColumns))
	for i, col := range keyColumns {
		parts[i] = row[col]
	}
	return strings.Join(parts, keySeparator)
}
