// Package crawler implements breadth-first discovery of the area hierarchy:
// URL canonicalization, the frontier and its run-wide visited set, the fetch
// error taxonomy, and the engine that drives a Fetcher and an Extractor and
// persists every visited node through an AreaStore.
//
// A Run is shared by every worker of one crawl. Each worker owns a Crawler
// with its own Fetcher so that fetch sessions are never shared; the Run's
// visited set guarantees a canonical URL is fetched at most once per run.
package crawler
