// Package extract implements the extraction waterfall: four independent
// strategies that turn one HTML document into candidate event records.
//
// Strategies run in fixed priority order (hydration, structured data, feeds,
// DOM fallback) and the waterfall halts at the first strategy that finds
// events. Every attempted strategy leaves a timing/error trace so that
// health tooling can compare strategy performance per source. Strategies
// never panic or return through the waterfall: internal failures surface as
// a zero-result with an error message and the next strategy runs.
package extract
