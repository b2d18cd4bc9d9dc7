// Package digest defines core types shared across subsystems: the canonical
// article record, scrape audit rows, topic clusters, and the interfaces the
// pipeline is assembled from.
package digest
