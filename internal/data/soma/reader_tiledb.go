//go:build soma

package soma

import (
	"fmt"
	"math"
	"os"
	"sync"

	tiledb "github.com/TileDB-Inc/TileDB-Go"
)

// Reader provides minimal SOMA reads via TileDB arrays.
type Reader struct {
	experimentURI string
	ctx           *tiledb.Context

	geneOnce sync.Once
	geneMap  map[string]int64 // gene_id -> gene soma_joinid
	geneErr  error

	obsIdxMu    sync.Mutex
	obsIdxCache map[string]map[string][]int64 // column -> value -> []cell_joinid
}

func NewReader(somaPath string) (*Reader, error) {
	uri, err := ResolveExperimentURI(somaPath)
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(uri); statErr != nil {
		return nil, fmt.Errorf("soma experiment not found at %s: %w", uri, statErr)
	}

	ctx, err := tiledb.NewContext(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create TileDB context: %w", err)
	}
	return &Reader{experimentURI: uri, ctx: ctx}, nil
}

func (r *Reader) Supported() bool { return true }

func (r *Reader) ExperimentURI() string { return r.experimentURI }

// AllGenes returns a map of gene_id -> soma_joinid for all genes.
func (r *Reader) AllGenes() (map[string]int64, error) {
	r.geneOnce.Do(func() {
		m := make(map[string]int64, 32768)
		r.geneErr = r.readStringColumn(r.experimentURI+"/ms/RNA/var", "gene_id", func(id int64, gene string) {
			m[gene] = id
		})
		r.geneMap = m
	})
	if r.geneErr != nil {
		return nil, r.geneErr
	}
	return r.geneMap, nil
}

// ObsGroupIndex returns a map of column value -> cell joinids for a string column.
// Results are cached per column.
func (r *Reader) ObsGroupIndex(column string) (map[string][]int64, error) {
	r.obsIdxMu.Lock()
	defer r.obsIdxMu.Unlock()

	if r.obsIdxCache == nil {
		r.obsIdxCache = make(map[string]map[string][]int64)
	}
	if cached, ok := r.obsIdxCache[column]; ok {
		return cached, nil
	}

	idx := make(map[string][]int64)
	err := r.readStringColumn(r.experimentURI+"/obs", column, func(id int64, v string) {
		idx[v] = append(idx[v], id)
	})
	if err != nil {
		return nil, err
	}
	r.obsIdxCache[column] = idx
	return idx, nil
}

func (r *Reader) openArray(uri string) (*tiledb.Array, func(), error) {
	arr, err := tiledb.NewArray(r.ctx, uri)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open array (%s): %w", uri, err)
	}
	if err := arr.Open(tiledb.TILEDB_READ); err != nil {
		arr.Free()
		return nil, nil, fmt.Errorf("failed to open array for read (%s): %w", uri, err)
	}
	return arr, func() {
		arr.Close()
		arr.Free()
	}, nil
}

// readStringColumn streams a var-length string attribute of a dataframe
// indexed by soma_joinid. Empty and null values are skipped.
func (r *Reader) readStringColumn(uri, column string, onRow func(joinID int64, value string)) error {
	arr, release, err := r.openArray(uri)
	if err != nil {
		return err
	}
	defer release()

	nullable, err := attributeNullable(arr, column)
	if err != nil {
		return fmt.Errorf("column %s not readable in %s: %w", column, uri, err)
	}

	// Use non-empty domain to avoid relying on potentially unbounded dimension domains.
	ned, isEmpty, err := arr.NonEmptyDomainFromName("soma_joinid")
	if err != nil {
		return fmt.Errorf("failed to get non-empty domain: %w", err)
	}
	if isEmpty || ned == nil {
		return nil
	}
	minID, maxID, err := boundsMinMaxInt64(ned.Bounds)
	if err != nil {
		return fmt.Errorf("failed to parse non-empty domain bounds: %w", err)
	}

	sub, err := arr.NewSubarray()
	if err != nil {
		return fmt.Errorf("failed to create subarray: %w", err)
	}
	defer sub.Free()
	if err := sub.AddRangeByName("soma_joinid", tiledb.MakeRange[int64](minID, maxID)); err != nil {
		return fmt.Errorf("failed to set joinid range: %w", err)
	}

	q, err := tiledb.NewQuery(r.ctx, arr)
	if err != nil {
		return fmt.Errorf("failed to create query: %w", err)
	}
	defer q.Free()
	if err := q.SetSubarray(sub); err != nil {
		return fmt.Errorf("failed to set subarray: %w", err)
	}
	if err := q.SetLayout(tiledb.TILEDB_ROW_MAJOR); err != nil {
		return fmt.Errorf("failed to set query layout: %w", err)
	}

	const chunkRows = 8192
	joinIDs := make([]int64, chunkRows)
	offsets := make([]uint64, chunkRows)
	var validity []uint8
	if nullable {
		validity = make([]uint8, chunkRows)
	}
	dataBytes := make([]byte, 2*1024*1024)

	for {
		// Buffer sizes are in/out params, so reset them before every submit.
		if _, err := q.SetDataBuffer("soma_joinid", joinIDs); err != nil {
			return fmt.Errorf("failed to set buffer soma_joinid: %w", err)
		}
		if _, err := q.SetOffsetsBuffer(column, offsets); err != nil {
			return fmt.Errorf("failed to set offsets buffer %s: %w", column, err)
		}
		if _, err := q.SetDataBuffer(column, dataBytes); err != nil {
			return fmt.Errorf("failed to set data buffer %s: %w", column, err)
		}
		if nullable {
			if _, err := q.SetValidityBuffer(column, validity); err != nil {
				return fmt.Errorf("failed to set validity buffer %s: %w", column, err)
			}
		}

		if err := q.Submit(); err != nil {
			return fmt.Errorf("query submit failed (%s): %w", uri, err)
		}
		status, err := q.Status()
		if err != nil {
			return fmt.Errorf("query status failed: %w", err)
		}
		elems, err := q.ResultBufferElements()
		if err != nil {
			return fmt.Errorf("ResultBufferElements failed: %w", err)
		}

		usedJoin := min(int(elems["soma_joinid"][1]), len(joinIDs))
		usedOffsets := min(int(elems[column][0]), len(offsets))
		usedBytes := min(int(elems[column][1]), len(dataBytes))
		usedValid := 0
		if nullable {
			usedValid = min(int(elems[column][2]), len(validity))
		}

		if status == tiledb.TILEDB_INCOMPLETE && usedOffsets == 0 && usedBytes == 0 && usedJoin == 0 {
			if len(dataBytes) < 64*1024*1024 {
				dataBytes = make([]byte, len(dataBytes)*2)
				continue
			}
			return fmt.Errorf("query buffers too small for column %s", column)
		}

		lim := min(usedJoin, usedOffsets)
		if nullable && usedValid > 0 {
			lim = min(lim, usedValid)
		}
		data := dataBytes[:usedBytes]
		for i := 0; i < lim; i++ {
			if nullable && usedValid > 0 && validity[i] == 0 {
				continue
			}
			start := int(offsets[i])
			end := len(data)
			if i+1 < usedOffsets {
				end = int(offsets[i+1])
			}
			if start < 0 || end < start || end > len(data) {
				continue
			}
			if v := string(data[start:end]); v != "" {
				onRow(joinIDs[i], v)
			}
		}

		if status == tiledb.TILEDB_COMPLETED {
			return nil
		}
		if status != tiledb.TILEDB_INCOMPLETE {
			return fmt.Errorf("unexpected TileDB query status for %s: %v", uri, status)
		}
	}
}

// cellRanges coalesces sorted joinids into contiguous [lo, hi] ranges.
func cellRanges(cells []int64) [][2]int64 {
	var out [][2]int64
	for _, c := range cells {
		if n := len(out); n > 0 && out[n-1][1]+1 == c {
			out[n-1][1] = c
			continue
		}
		out = append(out, [2]int64{c, c})
	}
	return out
}

// ScanXForCells streams through ms/RNA/X/data for the given sorted cell
// joinids (all genes), calling onRow for every stored entry.
func (r *Reader) ScanXForCells(cellJoinIDs []int64, onRow func(cell, gene int64, val float32)) error {
	if len(cellJoinIDs) == 0 {
		return nil
	}

	arr, release, err := r.openArray(r.experimentURI + "/ms/RNA/X/data")
	if err != nil {
		return err
	}
	defer release()

	sub, err := arr.NewSubarray()
	if err != nil {
		return fmt.Errorf("failed to create X subarray: %w", err)
	}
	defer sub.Free()
	for _, rg := range cellRanges(cellJoinIDs) {
		if err := sub.AddRangeByName("soma_dim_0", tiledb.MakeRange[int64](rg[0], rg[1])); err != nil {
			return fmt.Errorf("failed to add cell range: %w", err)
		}
	}

	q, err := tiledb.NewQuery(r.ctx, arr)
	if err != nil {
		return fmt.Errorf("failed to create X query: %w", err)
	}
	defer q.Free()
	if err := q.SetSubarray(sub); err != nil {
		return fmt.Errorf("failed to set X subarray: %w", err)
	}
	_ = q.SetLayout(tiledb.TILEDB_UNORDERED)

	const bufSize = 1024 * 1024
	outCell := make([]int64, bufSize)
	outGene := make([]int64, bufSize)
	outVal := make([]float32, bufSize)
	nullable, err := attributeNullable(arr, "soma_data")
	if err != nil {
		return fmt.Errorf("failed to inspect soma_data nullable: %w", err)
	}
	var outValid []uint8
	if nullable {
		outValid = make([]uint8, bufSize)
	}

	for {
		if _, err := q.SetDataBuffer("soma_dim_0", outCell); err != nil {
			return fmt.Errorf("failed to set buffer soma_dim_0: %w", err)
		}
		if _, err := q.SetDataBuffer("soma_dim_1", outGene); err != nil {
			return fmt.Errorf("failed to set buffer soma_dim_1: %w", err)
		}
		if _, err := q.SetDataBuffer("soma_data", outVal); err != nil {
			return fmt.Errorf("failed to set buffer soma_data: %w", err)
		}
		if nullable {
			if _, err := q.SetValidityBuffer("soma_data", outValid); err != nil {
				return fmt.Errorf("failed to set validity buffer soma_data: %w", err)
			}
		}

		if err := q.Submit(); err != nil {
			return fmt.Errorf("X query submit failed: %w", err)
		}
		status, err := q.Status()
		if err != nil {
			return fmt.Errorf("X query status failed: %w", err)
		}
		elems, err := q.ResultBufferElements()
		if err != nil {
			return fmt.Errorf("X query ResultBufferElements failed: %w", err)
		}
		got := min(int(elems["soma_data"][1]), len(outVal))
		gotValid := 0
		if nullable {
			gotValid = min(int(elems["soma_data"][2]), len(outValid))
		}

		for i := 0; i < got; i++ {
			if nullable && i < gotValid && outValid[i] == 0 {
				continue
			}
			onRow(outCell[i], outGene[i], outVal[i])
		}

		if status == tiledb.TILEDB_COMPLETED {
			return nil
		}
		if status != tiledb.TILEDB_INCOMPLETE {
			return fmt.Errorf("unexpected X query status: %v", status)
		}
	}
}

func boundsMinMaxInt64(bounds interface{}) (int64, int64, error) {
	switch v := bounds.(type) {
	case []int64:
		if len(v) >= 2 {
			return v[0], v[1], nil
		}
	case []int32:
		if len(v) >= 2 {
			return int64(v[0]), int64(v[1]), nil
		}
	case []uint64:
		if len(v) >= 2 {
			if v[0] > math.MaxInt64 || v[1] > math.MaxInt64 {
				return 0, 0, fmt.Errorf("uint64 bounds exceed int64 range")
			}
			return int64(v[0]), int64(v[1]), nil
		}
	case []uint32:
		if len(v) >= 2 {
			return int64(v[0]), int64(v[1]), nil
		}
	}
	return 0, 0, fmt.Errorf("unsupported bounds type for non-empty domain")
}

func attributeNullable(arr *tiledb.Array, name string) (bool, error) {
	schema, err := arr.Schema()
	if err != nil {
		return false, err
	}
	defer schema.Free()
	attr, err := schema.AttributeFromName(name)
	if err != nil {
		return false, err
	}
	defer attr.Free()
	return attr.Nullable()
}
