// Package resolver определяет готовность экземпляров к допуску по
// их зависимостям (dependsOn) и проверяет граф зависимостей детей при split.
package resolver
