// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Traceloom (https://traceloom.dev/).
// Copyright 2024-present Traceloom, Inc.

package filter

// SQL fragment templates keyed by operator then field kind. %COL% is the
// analytics column, %N% the clause index; binds are @filter<N> and
// @filterKey<N>. String comparisons are case-insensitive throughout.
// Feedback-score fragments aggregate over the score join and therefore run
// in a HAVING clause; the grouped columns there are name and value.
var templates = map[Operator]map[FieldKind]string{
	OpContains: {
		KindString:     "ilike(%COL%, CONCAT('%', @filter%N%, '%'))",
		KindList:       "arrayExists(element -> (ilike(element, CONCAT('%', @filter%N%, '%'))), %COL%) = 1",
		KindDictionary: "ilike(JSON_VALUE(%COL%, @filterKey%N%), CONCAT('%', @filter%N%, '%'))",
	},
	OpNotContains: {
		KindString:     "notILike(%COL%, CONCAT('%', @filter%N%, '%'))",
		KindDictionary: "notILike(JSON_VALUE(%COL%, @filterKey%N%), CONCAT('%', @filter%N%, '%'))",
	},
	OpStartsWith: {
		KindString: "startsWith(lower(%COL%), lower(@filter%N%))",
	},
	OpEndsWith: {
		KindString: "endsWith(lower(%COL%), lower(@filter%N%))",
	},
	OpEqual: {
		KindString:     "lower(%COL%) = lower(@filter%N%)",
		KindNumber:     "%COL% = toFloat64(@filter%N%)",
		KindDateTime:   "%COL% = parseDateTime64BestEffort(@filter%N%, 9)",
		KindList:       "has(%COL%, @filter%N%)",
		KindDictionary: "lower(JSON_VALUE(%COL%, @filterKey%N%)) = lower(@filter%N%)",
		KindFeedbackScores: "has(groupArray(tuple(lower(name), %COL%)), " +
			"tuple(lower(@filterKey%N%), toDecimal64(@filter%N%, 9))) = 1",
	},
	OpNotEqual: {
		KindString:     "lower(%COL%) != lower(@filter%N%)",
		KindNumber:     "%COL% != toFloat64(@filter%N%)",
		KindDateTime:   "%COL% != parseDateTime64BestEffort(@filter%N%, 9)",
		KindDictionary: "lower(JSON_VALUE(%COL%, @filterKey%N%)) != lower(@filter%N%)",
		KindFeedbackScores: "has(groupArray(tuple(lower(name), %COL%)), " +
			"tuple(lower(@filterKey%N%), toDecimal64(@filter%N%, 9))) = 0",
	},
	OpGreaterThan: {
		KindNumber:     "%COL% > toFloat64(@filter%N%)",
		KindDateTime:   "%COL% > parseDateTime64BestEffort(@filter%N%, 9)",
		KindDictionary: "toFloat64OrNull(JSON_VALUE(%COL%, @filterKey%N%)) > toFloat64OrNull(@filter%N%)",
		KindFeedbackScores: "arrayExists(element -> (element.1 = lower(@filterKey%N%) AND " +
			"element.2 > toDecimal64(@filter%N%, 9)), groupArray(tuple(lower(name), %COL%))) = 1",
	},
	OpGreaterThanEqual: {
		KindNumber:   "%COL% >= toFloat64(@filter%N%)",
		KindDateTime: "%COL% >= parseDateTime64BestEffort(@filter%N%, 9)",
		KindFeedbackScores: "arrayExists(element -> (element.1 = lower(@filterKey%N%) AND " +
			"element.2 >= toDecimal64(@filter%N%, 9)), groupArray(tuple(lower(name), %COL%))) = 1",
	},
	OpLessThan: {
		KindNumber:     "%COL% < toFloat64(@filter%N%)",
		KindDateTime:   "%COL% < parseDateTime64BestEffort(@filter%N%, 9)",
		KindDictionary: "toFloat64OrNull(JSON_VALUE(%COL%, @filterKey%N%)) < toFloat64OrNull(@filter%N%)",
		KindFeedbackScores: "arrayExists(element -> (element.1 = lower(@filterKey%N%) AND " +
			"element.2 < toDecimal64(@filter%N%, 9)), groupArray(tuple(lower(name), %COL%))) = 1",
	},
	OpLessThanEqual: {
		KindNumber:   "%COL% <= toFloat64(@filter%N%)",
		KindDateTime: "%COL% <= parseDateTime64BestEffort(@filter%N%, 9)",
		KindFeedbackScores: "arrayExists(element -> (element.1 = lower(@filterKey%N%) AND " +
			"element.2 <= toDecimal64(@filter%N%, 9)), groupArray(tuple(lower(name), %COL%))) = 1",
	},
	OpIsEmpty: {
		KindFeedbackScores: "empty(arrayFilter(element -> (element = lower(@filterKey%N%)), " +
			"groupArray(lower(name)))) = 1",
	},
	OpIsNotEmpty: {
		KindFeedbackScores: "empty(arrayFilter(element -> (element = lower(@filterKey%N%)), " +
			"groupArray(lower(name)))) = 0",
	},
}
