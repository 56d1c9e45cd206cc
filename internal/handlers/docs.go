package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

// doc is a JSON object in the OpenAPI document.
type doc = map[string]interface{}

func queryParam(name, description, typ string, required bool) doc {
	return doc{
		"name":        name,
		"in":          "query",
		"description": description,
		"required":    required,
		"schema":      doc{"type": typ},
	}
}

func jsonResponse(description string, schema doc) doc {
	return doc{
		"description": description,
		"content":     doc{"application/json": doc{"schema": schema}},
	}
}

func ref(name string) doc { return doc{"$ref": "#/components/schemas/" + name} }

func number() doc         { return doc{"type": "number"} }
func nullableNumber() doc { return doc{"type": "number", "nullable": true} }
func integer() doc        { return doc{"type": "integer"} }
func str() doc            { return doc{"type": "string"} }

func object(props doc) doc { return doc{"type": "object", "properties": props} }
func array(items doc) doc  { return doc{"type": "array", "items": items} }

func operation(summary string, params []doc, ok doc, errorCodes ...string) doc {
	responses := doc{"200": ok}
	for _, code := range errorCodes {
		status, _ := strconv.Atoi(code)
		responses[code] = jsonResponse(http.StatusText(status), ref("Error"))
	}
	op := doc{"summary": summary, "responses": responses}
	if len(params) > 0 {
		op["parameters"] = params
	}
	return op
}

// openAPIDocument builds the OpenAPI 3.0 description of the serving API.
func openAPIDocument() doc {
	yearParam := queryParam("year", "Calendar year", "integer", true)

	return doc{
		"openapi": "3.0.0",
		"info": doc{
			"title":       "Robusta Yield API",
			"description": "Annual Robusta coffee yield predictions for Dak Lak from stage-aligned weather features",
			"version":     "1.0.0",
		},
		"servers": []doc{
			{"url": "http://localhost:8080", "description": "Local development server"},
		},
		"paths": doc{
			"/predict-year": doc{"get": operation("Predict the yield of a year in the feature table",
				[]doc{yearParam}, jsonResponse("Prediction", ref("Prediction")), "400", "404", "503")},
			"/predict-custom": doc{"post": func() doc {
				op := operation("Predict from caller-supplied feature values", nil,
					jsonResponse("Prediction", ref("Prediction")), "400", "503")
				op["requestBody"] = doc{
					"required": true,
					"content": doc{"application/json": doc{"schema": doc{
						"type":                 "object",
						"additionalProperties": number(),
						"description":          "Exactly the trained feature names mapped to values",
					}}},
				}
				return op
			}()},
			"/predict-scenario": doc{"get": operation("Predict a year under a weather scenario",
				[]doc{
					yearParam,
					queryParam("scenario", "normal, favorable, el_nino, la_nina, severe_drought or major_storm", "string", false),
					queryParam("province", "Province label echoed in the response", "string", false),
				},
				jsonResponse("Scenario prediction", ref("ScenarioPrediction")), "400", "404", "503")},
			"/scenarios": doc{"get": operation("List supported scenarios", nil,
				jsonResponse("Scenarios", array(object(doc{"name": str(), "label": str(), "multiplier": number(), "band": number()}))))},
			"/feature-importance": doc{"get": operation("Feature importance of the loaded model", nil,
				jsonResponse("Importance", object(doc{
					"features":          array(str()),
					"importance_scores": array(number()),
					"available":         doc{"type": "boolean"},
				})), "503")},
			"/yield-history": doc{"get": operation("In-sample predictions next to observed yields", nil,
				jsonResponse("History", object(doc{
					"years":            array(integer()),
					"actual_yields":    array(nullableNumber()),
					"predicted_yields": array(number()),
				})), "503")},
			"/weather-trend": doc{"get": operation("Yearly feature series and weather aggregates",
				[]doc{queryParam("columns", "Comma-separated feature columns", "string", false)},
				jsonResponse("Trend", object(doc{
					"years":   array(integer()),
					"series":  doc{"type": "object", "additionalProperties": array(nullableNumber())},
					"weather": array(ref("YearlyWeather")),
				})), "400")},
			"/years": doc{"get": operation("Years available for prediction", nil,
				jsonResponse("Years", object(doc{
					"available_years":       array(integer()),
					"years_with_yield_data": array(integer()),
					"min_year":              integer(),
					"max_year":              integer(),
				})), "404")},
			"/api/weather": doc{"get": operation("Daily weather observations",
				[]doc{
					queryParam("start_date", "Start date (YYYY-MM-DD)", "string", false),
					queryParam("end_date", "End date (YYYY-MM-DD)", "string", false),
					queryParam("page", "Page number (default: 1)", "integer", false),
					queryParam("limit", "Records per page (default: 100)", "integer", false),
				},
				jsonResponse("Observations", object(doc{
					"data":  array(ref("DailyObservation")),
					"count": integer(),
					"page":  integer(),
					"limit": integer(),
				})), "400")},
			"/api/backtests": doc{"get": operation("Stored backtest runs",
				[]doc{
					queryParam("protocol", "holdout, walk-forward or loyo", "string", false),
					queryParam("limit", "Maximum runs (default: 20)", "integer", false),
				},
				jsonResponse("Runs", array(ref("BacktestRun"))), "400")},
			"/api/backtests/{id}": doc{"get": func() doc {
				op := operation("One backtest run with per-year results", nil,
					jsonResponse("Run", ref("BacktestRun")), "400", "404")
				op["parameters"] = []doc{{"name": "id", "in": "path", "required": true, "schema": doc{"type": "string", "format": "uuid"}}}
				return op
			}()},
			"/health": doc{"get": operation("Model and data availability", nil,
				jsonResponse("Health", object(doc{
					"status":           str(),
					"model_loaded":     doc{"type": "boolean"},
					"feature_count":    integer(),
					"features_loaded":  doc{"type": "boolean"},
					"data_years_range": str(),
					"total_years":      integer(),
					"database":         str(),
				})))},
			"/metrics": doc{"get": doc{
				"summary": "Prometheus metrics",
				"responses": doc{"200": doc{
					"description": "Prometheus metrics in text format",
					"content":     doc{"text/plain": doc{"schema": str()}},
				}},
			}},
		},
		"components": doc{"schemas": doc{
			"Error": object(doc{"error": str(), "message": str(), "code": integer()}),
			"Prediction": object(doc{
				"year":             integer(),
				"predicted_yield":  number(),
				"confidence_lower": number(),
				"confidence_upper": number(),
				"unit":             str(),
				"actual_yield":     nullableNumber(),
				"features_used":    doc{"type": "object", "additionalProperties": nullableNumber()},
			}),
			"ScenarioPrediction": object(doc{
				"crop":                   str(),
				"province":               str(),
				"year":                   integer(),
				"base_year":              integer(),
				"scenario":               str(),
				"scenario_label":         str(),
				"predicted_yield_ton_ha": number(),
				"confidence_lower":       number(),
				"confidence_upper":       number(),
				"unit":                   str(),
				"confidence_note":        str(),
			}),
			"YearlyWeather": object(doc{
				"year":              integer(),
				"days":              integer(),
				"avg_temp_max":      nullableNumber(),
				"avg_temp_min":      nullableNumber(),
				"total_rain":        nullableNumber(),
				"avg_humidity":      nullableNumber(),
				"avg_soil_moisture": nullableNumber(),
				"total_radiation":   nullableNumber(),
			}),
			"DailyObservation": object(doc{
				"date":                  doc{"type": "string", "format": "date-time"},
				"temp_max":              nullableNumber(),
				"temp_min":              nullableNumber(),
				"rain":                  nullableNumber(),
				"humidity":              nullableNumber(),
				"radiation":             nullableNumber(),
				"soil_moisture_shallow": nullableNumber(),
				"source":                str(),
			}),
			"BacktestRun": object(doc{
				"id":            doc{"type": "string", "format": "uuid"},
				"protocol":      str(),
				"features":      array(str()),
				"scored_folds":  integer(),
				"skipped_folds": integer(),
				"mae":           nullableNumber(),
				"rmse":          nullableNumber(),
				"mape":          nullableNumber(),
				"r2":            nullableNumber(),
				"grade":         str(),
				"verdict":       str(),
				"started_at":    doc{"type": "string", "format": "date-time"},
				"duration_ms":   integer(),
			}),
		}},
	}
}

// OpenAPISpec returns the OpenAPI 3.0 specification for the serving API
func OpenAPISpec(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(openAPIDocument())
}

// RegisterDocs registers the OpenAPI document and the Swagger UI page
func RegisterDocs(router *mux.Router) {
	router.HandleFunc("/api/docs/openapi.json", OpenAPISpec).Methods("GET")
	router.HandleFunc("/api/docs", SwaggerUI("/api/docs/openapi.json")).Methods("GET")
}
