package encoder

import (
	"fmt"
	"math"

	"github.com/castml/promptcast/internal/tensor"
)

// logBucket maps a signed relative position to a signed bucket id. Offsets
// within mid keep their exact value; longer ranges are compressed
// logarithmically up to maxDistance.
func logBucket(relPos, buckets, maxDistance int) int {
	mid := buckets / 2
	abs := relPos
	if abs < 0 {
		abs = -abs
	}
	if abs <= mid {
		return relPos
	}

	logRatio := math.Log(float64(abs)/float64(mid)) / math.Log(float64(maxDistance-1)/float64(mid))
	bucket := mid + int(math.Ceil(logRatio*float64(mid-1)))
	if bucket > buckets-1 {
		bucket = buckets - 1
	}
	if relPos < 0 {
		return -bucket
	}
	return bucket
}

// buildBucketTable materializes the [qLen, kLen] int64 table of embedding
// row indices. Signed buckets are shifted by +buckets so indices land in
// [0, 2*buckets).
func buildBucketTable(qLen, kLen, buckets, maxDistance int) (*tensor.RawTensor, error) {
	if buckets < 2 || buckets%2 != 0 {
		return nil, fmt.Errorf("bucket count must be a positive even number, got %d", buckets)
	}
	if maxDistance <= buckets/2 {
		return nil, fmt.Errorf("max distance %d must exceed half the bucket count %d", maxDistance, buckets/2)
	}

	table, err := tensor.NewRaw(tensor.Shape{qLen, kLen}, tensor.Int64, tensor.CPU)
	if err != nil {
		return nil, err
	}

	data := table.AsInt64()
	for q := 0; q < qLen; q++ {
		for k := 0; k < kLen; k++ {
			bucket := logBucket(q-k, buckets, maxDistance)
			idx := bucket + buckets
			if idx < 0 {
				idx = 0
			}
			if idx >= 2*buckets {
				idx = 2*buckets - 1
			}
			data[q*kLen+k] = int64(idx)
		}
	}
	return table, nil
}
