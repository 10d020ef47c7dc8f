package vehicle

import (
	"strings"
)

// brandTable maps upper-cased upstream brand spellings to their canonical
// display names. Anything not listed passes through trimmed.
var brandTable = map[string]string{
	"VOLKSWAGEN":       "Volkswagen",
	"VW":               "Volkswagen",
	"VW - VOLKSWAGEN":  "Volkswagen",
	"VOLKS":            "Volkswagen",
	"CHEVROLET":        "Chevrolet",
	"GM":               "Chevrolet",
	"GM - CHEVROLET":   "Chevrolet",
	"CHEV":             "Chevrolet",
	"FIAT":             "Fiat",
	"FORD":             "Ford",
	"HONDA":            "Honda",
	"TOYOTA":           "Toyota",
	"HYUNDAI":          "Hyundai",
	"RENAULT":          "Renault",
	"NISSAN":           "Nissan",
	"JEEP":             "Jeep",
	"PEUGEOT":          "Peugeot",
	"PEUGEOT CITROEN":  "Peugeot",
	"CITROEN":          "Citroën",
	"CITROËN":          "Citroën",
	"MITSUBISHI":       "Mitsubishi",
	"MMC":              "Mitsubishi",
	"KIA":              "Kia",
	"KIA MOTORS":       "Kia",
	"MERCEDES-BENZ":    "Mercedes-Benz",
	"MERCEDES BENZ":    "Mercedes-Benz",
	"MERCEDES":         "Mercedes-Benz",
	"M.BENZ":           "Mercedes-Benz",
	"M. BENZ":          "Mercedes-Benz",
	"MB":               "Mercedes-Benz",
	"BMW":              "BMW",
	"AUDI":             "Audi",
	"VOLVO":            "Volvo",
	"LAND ROVER":       "Land Rover",
	"LR":               "Land Rover",
	"CAOA CHERY":       "Caoa Chery",
	"CHERY":            "Chery",
	"JAC":              "JAC",
	"SUZUKI":           "Suzuki",
	"YAMAHA":           "Yamaha",
	"HONDA MOTOS":      "Honda",
	"KAWASAKI":         "Kawasaki",
	"HARLEY-DAVIDSON":  "Harley-Davidson",
	"HARLEY DAVIDSON":  "Harley-Davidson",
	"TRIUMPH":          "Triumph",
	"DUCATI":           "Ducati",
	"SCANIA":           "Scania",
	"IVECO":            "Iveco",
	"DAF":              "DAF",
	"MAN":              "MAN",
	"VW CAMINHOES":     "Volkswagen Caminhões",
	"VOLKSWAGEN CAMIN": "Volkswagen Caminhões",
	"AGRALE":           "Agrale",
	"MARCOPOLO":        "Marcopolo",
	"SUBARU":           "Subaru",
	"PORSCHE":          "Porsche",
	"RAM":              "RAM",
	"DODGE":            "Dodge",
	"CHRYSLER":         "Chrysler",
	"BYD":              "BYD",
	"GWM":              "GWM",
	"TROLLER":          "Troller",
}

// categoryTable maps upper-cased upstream category/segment spellings onto
// the Category enum. Anything not listed becomes CategoryOther.
var categoryTable = map[string]Category{
	"AUTO":       CategoryCar,
	"AUTOMOVEL":  CategoryCar,
	"AUTOMÓVEL":  CategoryCar,
	"CARRO":      CategoryCar,
	"PASSAGEIRO": CategoryCar,
	"PARTICULAR": CategoryCar,
	"CAMIONETA":  CategoryCar,
	"SUV":        CategoryCar,

	"MOTO":        CategoryMotorcycle,
	"MOTOS":       CategoryMotorcycle,
	"MOTOCICLETA": CategoryMotorcycle,
	"MOTONETA":    CategoryMotorcycle,
	"CICLOMOTOR":  CategoryMotorcycle,
	"TRICICLO":    CategoryMotorcycle,
	"QUADRICICLO": CategoryMotorcycle,

	"CAMINHAO":        CategoryTruck,
	"CAMINHÃO":        CategoryTruck,
	"CAMINHOES":       CategoryTruck,
	"CAMINHÕES":       CategoryTruck,
	"CAMINHAO TRATOR": CategoryTruck,
	"CAMINHÃO TRATOR": CategoryTruck,
	"CAMINHAO-TRATOR": CategoryTruck,
	"CAMINHÃO-TRATOR": CategoryTruck,
	"PESADO":          CategoryTruck,
	"PESADOS":         CategoryTruck,

	"UTILITARIO":  CategoryVan,
	"UTILITÁRIO":  CategoryVan,
	"UTILITARIOS": CategoryVan,
	"UTILITÁRIOS": CategoryVan,
	"CAMINHONETE": CategoryVan,
	"FURGAO":      CategoryVan,
	"FURGÃO":      CategoryVan,
	"VAN":         CategoryVan,

	"ONIBUS":       CategoryBus,
	"ÔNIBUS":       CategoryBus,
	"MICROONIBUS":  CategoryBus,
	"MICROÔNIBUS":  CategoryBus,
	"MICRO-ONIBUS": CategoryBus,
	"MICRO-ÔNIBUS": CategoryBus,
}

// CanonicalBrand maps an upstream brand string through the brand table.
// Lookups are case-insensitive and ignore surrounding whitespace.
func CanonicalBrand(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return NotInformed
	}
	if canonical, ok := brandTable[strings.ToUpper(trimmed)]; ok {
		return canonical
	}
	return trimmed
}

// CategoryFor maps an upstream category or segment string onto Category.
func CategoryFor(raw string) Category {
	key := strings.ToUpper(strings.Join(strings.Fields(raw), " "))
	if c, ok := categoryTable[key]; ok {
		return c
	}
	return CategoryOther
}
