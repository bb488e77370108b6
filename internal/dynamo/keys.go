// Package dynamo provides shared DynamoDB constants and utilities.
package dynamo

const (
	// Primary key attributes.
	AttrPK = "pk"
	AttrSK = "sk"

	// Key prefixes.
	PrefixDataset = "DATASET#"

	// Data point attributes.
	AttrLabels    = "labels"
	AttrValues    = "values"
	AttrIndexes   = "indexes"
	AttrTimestamp = "timestamp"
	AttrTTL       = "ttl"
)

// DatasetPK returns the partition key holding every point of a dataset.
func DatasetPK(dataset string) string {
	return PrefixDataset + dataset
}
